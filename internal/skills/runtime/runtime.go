package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Host function status codes returned to modules.
const (
	StatusOK         = 0
	StatusNotAllowed = 1
	StatusRuntime    = 2
)

// MaxResultBytes bounds what a module may hand back through host_result.
const MaxResultBytes = 64 << 10

// Invocation is the host side of one skill run. Host functions called by the
// module during Run are routed to it. Nil fields get safe defaults.
type Invocation struct {
	Logger       *slog.Logger
	AllowPublish func(subject string) error
	Publish      func(subject string, payload []byte) error
	// Result receives the payload the module reports for the current action.
	Result      func(payload []byte)
	RecordAudit func(event AuditEvent)
}

func (inv Invocation) withDefaults() *Invocation {
	if inv.Logger == nil {
		inv.Logger = slog.Default()
	}
	if inv.AllowPublish == nil {
		inv.AllowPublish = func(string) error { return errors.New("publish disallowed") }
	}
	if inv.Publish == nil {
		inv.Publish = func(string, []byte) error { return errors.New("publish unsupported") }
	}
	if inv.Result == nil {
		inv.Result = func([]byte) {}
	}
	if inv.RecordAudit == nil {
		inv.RecordAudit = func(AuditEvent) {}
	}
	return &inv
}

type invocationKey struct{}

func invocationFrom(ctx context.Context) *Invocation {
	if inv, ok := ctx.Value(invocationKey{}).(*Invocation); ok {
		return inv
	}
	return Invocation{}.withDefaults()
}

type AuditEvent struct {
	Type string
	Data map[string]any
}

// Runtime is a wazero runtime shared by every skill. The host module and
// WASI are instantiated once; each Run gets a fresh module instance.
type Runtime struct {
	rt wazero.Runtime
}

func New(ctx context.Context) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := instantiateHost(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt}, nil
}

// Close releases the runtime and every skill compiled by it.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Skill is a compiled skill module ready to run.
type Skill struct {
	Manifest manifest.Manifest
	rt       wazero.Runtime
	compiled wazero.CompiledModule
}

// Compile reads and compiles the module named by m.Runtime.Module and checks
// that it exports the entrypoint.
func (r *Runtime) Compile(ctx context.Context, m manifest.Manifest) (*Skill, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	wasm, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	if _, ok := compiled.ExportedFunctions()[m.Runtime.Entrypoint]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	return &Skill{Manifest: m, rt: r.rt, compiled: compiled}, nil
}

// Close releases the compiled module.
func (s *Skill) Close(ctx context.Context) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	return s.compiled.Close(ctx)
}

// Run instantiates the module with env visible through WASI, calls the
// entrypoint and tears the instance down. Runs may overlap.
func (s *Skill) Run(ctx context.Context, env map[string]string, inv Invocation) error {
	if s == nil || s.compiled == nil {
		return fmt.Errorf("skill not compiled")
	}
	ctx = context.WithValue(ctx, invocationKey{}, inv.withDefaults())

	// Anonymous instances can be created concurrently from one compiled module.
	cfg := wazero.NewModuleConfig().WithName("")
	for k, v := range env {
		cfg = cfg.WithEnv(k, v)
	}
	mod, err := s.rt.InstantiateModule(ctx, s.compiled, cfg)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", s.Manifest.Metadata.Name, err)
	}
	defer mod.Close(context.Background())

	_, err = mod.ExportedFunction(s.Manifest.Runtime.Entrypoint).Call(ctx)
	return err
}

func readGuest(mod api.Module, ptr, length uint32) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	i32 := api.ValueTypeI32
	builder := rt.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostLog), []api.ValueType{i32, i32}, nil).
		WithParameterNames("ptr", "len").
		Export("host_log")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostPublish), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("subject_ptr", "subject_len", "payload_ptr", "payload_len").
		WithResultNames("code").
		Export("host_publish")
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostResult), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("ptr", "len").
		WithResultNames("code").
		Export("host_result")

	_, err := builder.Instantiate(ctx)
	return err
}

func hostLog(ctx context.Context, mod api.Module, stack []uint64) {
	inv := invocationFrom(ctx)
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	if length == 0 {
		return
	}
	data, ok := readGuest(mod, ptr, length)
	if !ok {
		inv.Logger.Debug("host_log: unreadable memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
		return
	}
	msg := string(data)
	inv.Logger.Info("skill log", slog.String("message", msg))
	inv.RecordAudit(AuditEvent{Type: "skill.log", Data: map[string]any{"message": msg}})
}

func hostPublish(ctx context.Context, mod api.Module, stack []uint64) {
	inv := invocationFrom(ctx)
	stack[0] = api.EncodeI32(publish(inv, mod, stack))
}

func publish(inv *Invocation, mod api.Module, stack []uint64) int32 {
	subjectPtr, subjectLen := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	payloadPtr, payloadLen := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])

	raw, ok := readGuest(mod, subjectPtr, subjectLen)
	if !ok {
		return StatusRuntime
	}
	subject := string(raw)
	if err := inv.AllowPublish(subject); err != nil {
		inv.Logger.Warn("skill publish blocked", slog.String("subject", subject), slog.String("error", err.Error()))
		return StatusNotAllowed
	}
	var payload []byte
	if payloadLen > 0 {
		if payload, ok = readGuest(mod, payloadPtr, payloadLen); !ok {
			return StatusRuntime
		}
	}
	if err := inv.Publish(subject, payload); err != nil {
		inv.Logger.Error("skill publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return StatusRuntime
	}
	inv.RecordAudit(AuditEvent{Type: "skill.publish", Data: map[string]any{
		"subject":       subject,
		"payload_bytes": payloadLen,
	}})
	return StatusOK
}

func hostResult(ctx context.Context, mod api.Module, stack []uint64) {
	inv := invocationFrom(ctx)
	ptr, length := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	if length > MaxResultBytes {
		inv.Logger.Warn("skill result too large", slog.Uint64("bytes", uint64(length)))
		stack[0] = api.EncodeI32(StatusNotAllowed)
		return
	}
	data, ok := readGuest(mod, ptr, length)
	if !ok {
		stack[0] = api.EncodeI32(StatusRuntime)
		return
	}
	inv.Result(data)
	stack[0] = api.EncodeI32(StatusOK)
}
