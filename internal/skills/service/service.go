package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/actions"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	manifestpkg "github.com/loqalabs/loqa-voice/internal/skills/manifest"
	skillrt "github.com/loqalabs/loqa-voice/internal/skills/runtime"
	"github.com/nats-io/nats.go"
)

const invokeTimeout = 30 * time.Second

// Service loads WASM skills, exposes their actions to the assistant and runs
// them on bus events.
type Service struct {
	cfg    config.SkillsConfig
	log    *slog.Logger
	bus    *bus.Client
	store  *eventstore.Store
	rt     *skillrt.Runtime
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}

	mu     sync.RWMutex
	skills map[string]*binding
	subs   []*nats.Subscription
}

type binding struct {
	manifest   manifestpkg.Manifest
	skill      *skillrt.Skill
	directory  string
	publishSet map[string]struct{}
	sessionID  string
	canPublish bool
}

// invocation is one run of a skill module.
type invocation struct {
	kind    string
	env     map[string]string
	subject string
	action  string
}

// New creates the skills service. When cfg.Enabled is false, nil is
// returned. busClient and store are optional.
func New(ctx context.Context, cfg config.SkillsConfig, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	rt, err := skillrt.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init skill runtime: %w", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		rt:     rt,
		cfg:    cfg,
		log:    logger.With(slog.String("component", "skills")),
		bus:    busClient,
		store:  store,
		ctx:    cctx,
		cancel: cancel,
		sema:   make(chan struct{}, cfg.Concurrency),
		skills: make(map[string]*binding),
	}
	if err := svc.loadSkills(); err != nil {
		svc.Close()
		return nil, err
	}
	if err := svc.registerSubscriptions(); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// Close terminates subscriptions and waits for in-flight executions.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.skills {
		_ = b.skill.Close(context.Background())
	}
	_ = s.rt.Close(context.Background())
}

// Healthy reports whether the service is running.
func (s *Service) Healthy() bool {
	return s != nil && s.ctx.Err() == nil
}

// Skills returns the names of the loaded skills.
func (s *Service) Skills() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.skills))
	for name := range s.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterActions adds every action declared by a loaded skill to reg.
func (s *Service) RegisterActions(reg *actions.Registry) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.skills {
		for _, spec := range b.manifest.Actions {
			if err := reg.Register(spec.Name, s.actionHandler(b, spec.Name)); err != nil {
				return fmt.Errorf("skill %s: %w", b.manifest.Metadata.Name, err)
			}
			s.log.Info("skill action registered", slog.String("skill", b.manifest.Metadata.Name), slog.String("action", spec.Name))
		}
	}
	return nil
}

func (s *Service) loadSkills() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("skills directory not configured")
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), "skill.yaml") {
			if err := s.addSkill(path); err != nil {
				s.log.Error("failed to load skill", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan skills directory: %w", err)
	}
	if len(s.skills) == 0 {
		s.log.Warn("no skills discovered", slog.String("directory", root))
	} else {
		s.log.Info("skills discovered", slog.Int("count", len(s.skills)))
	}
	return nil
}

func (s *Service) addSkill(manifestPath string) error {
	mf, err := manifestpkg.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifestpkg.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	name := mf.Metadata.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.skills[name]; exists {
		return fmt.Errorf("duplicate skill name %s", name)
	}

	baseDir := filepath.Dir(manifestPath)
	if !filepath.IsAbs(mf.Runtime.Module) {
		mf.Runtime.Module = filepath.Join(baseDir, mf.Runtime.Module)
	}
	skill, err := s.rt.Compile(s.ctx, mf)
	if err != nil {
		return err
	}

	publishSet := make(map[string]struct{}, len(mf.Capabilities.Bus.Publish))
	for _, subj := range mf.Capabilities.Bus.Publish {
		publishSet[subj] = struct{}{}
	}
	s.skills[name] = &binding{
		manifest:   mf,
		skill:      skill,
		directory:  baseDir,
		publishSet: publishSet,
		sessionID:  fmt.Sprintf("skill:%s", name),
		canPublish: mf.HasPermission("bus:publish"),
	}
	return nil
}

func (s *Service) registerSubscriptions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.skills {
		for _, subject := range b.manifest.Capabilities.Bus.Subscribe {
			if s.bus == nil {
				s.log.Warn("bus disabled; skipping skill subscription", slog.String("skill", b.manifest.Metadata.Name), slog.String("subject", subject))
				continue
			}
			sub, err := s.bus.Conn().Subscribe(subject, s.makeHandler(b))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			s.subs = append(s.subs, sub)
			s.log.Info("skill subscribed", slog.String("skill", b.manifest.Metadata.Name), slog.String("subject", subject))
		}
	}
	return nil
}

func (s *Service) makeHandler(b *binding) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if s.ctx.Err() != nil {
			return
		}
		env := map[string]string{
			"LOQA_EVENT_SUBJECT": msg.Subject,
			"LOQA_EVENT_PAYLOAD": string(msg.Data),
		}
		if msg.Reply != "" {
			env["LOQA_EVENT_REPLY"] = msg.Reply
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, err := s.invoke(s.ctx, b, invocation{kind: "event", env: env, subject: msg.Subject})
			if err != nil {
				s.log.Error("skill invocation failed", slog.String("skill", b.manifest.Metadata.Name), slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *Service) actionHandler(b *binding, action string) actions.Handler {
	return func(ctx context.Context, args actions.Args) (any, error) {
		if args == nil {
			args = actions.Args{}
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		env := map[string]string{
			"LOQA_ACTION_NAME": action,
			"LOQA_ACTION_ARGS": string(encoded),
		}
		s.wg.Add(1)
		defer s.wg.Done()
		out, err := s.invoke(ctx, b, invocation{kind: "action", env: env, action: action})
		if err != nil {
			return nil, err
		}
		return decodeResult(out), nil
	}
}

// decodeResult turns a module's result into a value for the model: JSON
// when it parses, text otherwise.
func decodeResult(out []byte) any {
	if len(out) == 0 {
		return "ok"
	}
	var v any
	if err := json.Unmarshal(out, &v); err == nil {
		return v
	}
	return string(out)
}

func (s *Service) invoke(ctx context.Context, b *binding, inv invocation) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	select {
	case s.sema <- struct{}{}:
		defer func() { <-s.sema }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	invocationID := uuid.NewString()
	env := map[string]string{
		"LOQA_SKILL_NAME":      b.manifest.Metadata.Name,
		"LOQA_INVOCATION_ID":   invocationID,
		"LOQA_SKILL_DIRECTORY": b.directory,
	}
	for k, v := range inv.env {
		env[k] = v
	}

	var (
		resultMu sync.Mutex
		result   []byte
	)
	host := skillrt.Invocation{
		Logger: s.log.With(
			slog.String("skill", b.manifest.Metadata.Name),
			slog.String("invocation_id", invocationID),
		),
		AllowPublish: func(subject string) error {
			if s.bus == nil {
				return errors.New("bus disabled")
			}
			if !b.canPublish {
				return fmt.Errorf("missing permission bus:publish")
			}
			if _, ok := b.publishSet[subject]; !ok {
				return fmt.Errorf("subject %s not declared in manifest", subject)
			}
			return nil
		},
		Publish: func(subject string, payload []byte) error {
			return s.bus.Conn().Publish(subject, payload)
		},
		Result: func(payload []byte) {
			resultMu.Lock()
			result = payload
			resultMu.Unlock()
		},
		RecordAudit: func(event skillrt.AuditEvent) {
			s.appendAudit(b, invocationID, event)
		},
	}

	start := time.Now()
	startData := map[string]any{"kind": inv.kind}
	if inv.subject != "" {
		startData["subject"] = inv.subject
	}
	if inv.action != "" {
		startData["action"] = inv.action
		startData["args"] = json.RawMessage(inv.env["LOQA_ACTION_ARGS"])
	}
	s.appendAudit(b, invocationID, skillrt.AuditEvent{Type: "skill.invoke.start", Data: startData})

	if err := b.skill.Run(ctx, env, host); err != nil {
		s.appendAudit(b, invocationID, skillrt.AuditEvent{Type: "skill.invoke.error", Data: map[string]any{"error": err.Error()}})
		return nil, fmt.Errorf("run %s: %w", b.manifest.Metadata.Name, err)
	}

	resultMu.Lock()
	out := result
	resultMu.Unlock()

	doneType := "skill.invoke.complete"
	if inv.action != "" {
		doneType = eventstore.TypeActionInvoked
	}
	s.appendAudit(b, invocationID, skillrt.AuditEvent{Type: doneType, Data: map[string]any{
		"duration_ms":  time.Since(start).Milliseconds(),
		"result_bytes": len(out),
	}})
	return out, nil
}

func (s *Service) appendAudit(b *binding, invocationID string, event skillrt.AuditEvent) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.store.AppendSession(ctx, b.sessionID, b.manifest.Metadata.Name, s.cfg.AuditPrivacy); err != nil {
		s.log.Warn("failed to append audit session", slog.String("error", err.Error()))
		return
	}
	payload := map[string]any{
		"invocation_id": invocationID,
		"skill":         b.manifest.Metadata.Name,
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal audit event", slog.String("error", err.Error()))
		return
	}
	evt := eventstore.Event{
		SessionID: b.sessionID,
		TraceID:   invocationID,
		ActorID:   b.manifest.Metadata.Name,
		Type:      event.Type,
		Payload:   data,
		Privacy:   s.cfg.AuditPrivacy,
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}
