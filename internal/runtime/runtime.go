package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/actions"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/intent"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/session"
	skillsvc "github.com/loqalabs/loqa-voice/internal/skills/service"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const (
	shutdownTimeout    = 10 * time.Second
	staticVolumeLevel  = 50
	mockGeneratorDelay = 30 * time.Millisecond
)

// Runtime owns every component of one assistant process and wires them
// together: model backends, actions, speech, persistence, bus and HTTP.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	telemetryClose func(context.Context) error
	metricsHandler http.Handler
	httpServer     *http.Server
	listener       net.Listener

	store      *eventstore.Store
	turnLog    *eventstore.TurnLog
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	skills     *skillsvc.Service
	builtins   *actions.Builtins
	ducker     *audio.Ducker
	speaker    *speech.Speaker
	announcer  *tts.Service
	assistant  *session.Orchestrator
	router     *router.Service

	listenerMu sync.RWMutex
	listeners  map[int]session.StateListener
	nextID     int

	ready     atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[int]session.StateListener),
	}
}

// Start opens every component, serves HTTP until ctx is done and then shuts
// everything down.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Open(ctx); err != nil {
		_ = r.Close()
		return err
	}
	serveErr := r.Serve(ctx)
	return errors.Join(serveErr, r.Close())
}

// Open builds and starts the components. On error the caller should still
// call Close to release whatever was opened.
func (r *Runtime) Open(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metrics

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		r.store = store
		r.turnLog = eventstore.NewTurnLog(store, r.cfg.RuntimeName, r.cfg.Skills.AuditPrivacy)
	}

	if r.cfg.Bus.Enabled {
		if err := r.openBus(ctx); err != nil {
			return err
		}
	}

	generator, err := newGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}

	volume, err := newVolume(r.cfg.Audio)
	if err != nil {
		return fmt.Errorf("volume control: %w", err)
	}

	if r.cfg.Speech.Enabled {
		if err := r.openSpeaker(ctx, volume); err != nil {
			return err
		}
	}

	// Volume actions go through the ducker so a level set during speech
	// survives the restore.
	userVolume := volume
	if r.ducker != nil {
		userVolume = r.ducker
	}
	registry := actions.NewRegistry()
	r.builtins = actions.NewBuiltins(userVolume, r.announce, r.logger)
	if err := r.builtins.Register(registry); err != nil {
		return fmt.Errorf("register builtin actions: %w", err)
	}
	if w := r.cfg.Actions.Weather; w.Enabled {
		weather := actions.NewWeather(actions.WeatherOptions{
			GeocodingURL: w.GeocodingURL,
			ForecastURL:  w.ForecastURL,
			Language:     w.Language,
			Home:         w.Home,
			Client:       &http.Client{Timeout: time.Duration(w.TimeoutMS) * time.Millisecond},
		})
		if err := weather.Register(registry); err != nil {
			return fmt.Errorf("register weather actions: %w", err)
		}
	}
	if err := actions.RegisterCommands(registry, r.cfg.Actions.Commands); err != nil {
		return fmt.Errorf("register command actions: %w", err)
	}
	skills, err := skillsvc.New(ctx, r.cfg.Skills, r.bus, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	r.skills = skills
	if err := skills.RegisterActions(registry); err != nil {
		return fmt.Errorf("register skill actions: %w", err)
	}
	r.logger.Info("actions registered", slog.Any("actions", registry.Names()))

	opts := session.Options{
		SessionID:       r.cfg.Session.ID,
		HistoryCapacity: r.cfg.Session.HistoryCapacity,
		Base:            llm.OptionsFromConfig(r.cfg.LLM, ""),
		Dispatcher:      actions.NewDispatcher(registry, r.cfg.Actions.MaxConcurrency, time.Duration(r.cfg.Actions.TimeoutMS)*time.Millisecond, r.logger),
		OnState:         r.broadcast,
		Logger:          r.logger,
	}
	if r.cfg.Classifier.Enabled {
		opts.Classifier = intent.NewLLMClassifier(generator, r.cfg.Classifier.Tier, r.cfg.Classifier.MaxTokens, registry.Names)
	}
	if r.speaker != nil {
		opts.Speech = r.speaker
	}
	if r.turnLog != nil {
		opts.Recorder = r.turnLog
	}
	r.assistant = session.NewOrchestrator(generator, opts)

	if r.turnLog != nil && r.cfg.Session.RestoreHistory {
		turns, err := r.turnLog.LoadTurns(ctx, r.cfg.Session.ID, r.cfg.Session.HistoryCapacity)
		if err != nil {
			r.logger.Warn("restore history failed", slogError(err))
		} else if len(turns) > 0 {
			r.assistant.SeedHistory(turns)
			r.logger.Info("history restored", slog.Int("turns", len(turns)))
		}
	}

	if r.bus != nil {
		turnTimeout := time.Duration(r.cfg.Session.TurnTimeoutMS) * time.Millisecond
		r.router = router.NewService(ctx, r.cfg.Router, turnTimeout, r.bus, r.assistant, r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
		r.Subscribe(r.router.StateListener())
		if r.speaker != nil {
			r.announcer = tts.NewService(r.bus, r.speaker, r.logger)
			if err := r.announcer.Start(); err != nil {
				return fmt.Errorf("start announcer: %w", err)
			}
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime ready",
		slog.String("session_id", r.cfg.Session.ID),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.Bool("speech", r.speaker != nil),
		slog.Bool("bus", r.bus != nil))
	return nil
}

func (r *Runtime) openBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) openSpeaker(ctx context.Context, volume audio.VolumeControl) error {
	synth, err := newSynth(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts backend: %w", err)
	}
	output, err := newOutput(r.cfg.Audio)
	if err != nil {
		return fmt.Errorf("audio output: %w", err)
	}
	r.ducker = audio.NewDucker(volume, r.cfg.Audio.DuckLevel, time.Duration(r.cfg.Audio.DuckFadeMS)*time.Millisecond, r.logger)
	r.speaker = speech.NewSpeaker(ctx, speech.Options{
		SessionID:     r.cfg.Session.ID,
		Voice:         r.cfg.TTS.Voice,
		MinChars:      r.cfg.Speech.MinChars,
		AutoFlush:     time.Duration(r.cfg.Speech.AutoFlushMS) * time.Millisecond,
		FlushInterval: time.Duration(r.cfg.Speech.FlushIntervalMS) * time.Millisecond,
	}, synth, output, r.ducker, r.logger)
	r.speaker.Start()
	return nil
}

// Serve runs the HTTP surface until ctx is done. It returns immediately when
// HTTP is disabled.
func (r *Runtime) Serve(ctx context.Context) error {
	if !r.cfg.HTTP.Enabled {
		<-ctx.Done()
		return nil
	}
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	return nil
}

// Handler exposes health, metrics and the turn websocket.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	if r.assistant != nil {
		mux.Handle("/v1/turns", newTurnSocket(r.assistant, r.Subscribe, r.logger))
	}
	return mux
}

// Close stops every component in reverse order of Open. It is safe to call
// more than once.
func (r *Runtime) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.ready.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if r.router != nil {
			r.router.Close()
		}
		if r.announcer != nil {
			r.announcer.Close()
		}
		if r.assistant != nil {
			r.assistant.Cancel()
		}
		if r.speaker != nil {
			if err := r.speaker.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("speaker: %w", err))
			}
		}
		if r.builtins != nil {
			r.builtins.Close()
		}
		if r.skills != nil {
			r.skills.Close()
		}
		if r.bus != nil {
			r.bus.Close()
		}
		if r.natsServer != nil {
			r.natsServer.Shutdown()
		}
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event store: %w", err))
			}
		}
		if r.telemetryClose != nil {
			if err := r.telemetryClose(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// Assistant returns the orchestrator; nil before Open.
func (r *Runtime) Assistant() *session.Orchestrator { return r.assistant }

// ResetHistory clears the in-memory history and the persisted turns of the
// session.
func (r *Runtime) ResetHistory(ctx context.Context) error {
	r.assistant.ResetHistory()
	if r.turnLog == nil {
		return nil
	}
	return r.turnLog.Forget(ctx, r.cfg.Session.ID)
}

// Subscribe registers a state listener and returns a function that removes it.
func (r *Runtime) Subscribe(fn session.StateListener) func() {
	r.listenerMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenerMu.Unlock()
	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

func (r *Runtime) broadcast(turnID string, state session.State) {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	for _, fn := range r.listeners {
		fn(turnID, state)
	}
}

// announce speaks timer notifications, or logs them when speech is off.
func (r *Runtime) announce(message string) {
	r.logger.Info("notification", slog.String("message", message))
	if r.speaker != nil && r.assistant != nil && r.assistant.SpeechEnabled() {
		r.speaker.Enqueue(message)
	}
}

func (r *Runtime) healthy() bool {
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	if r.announcer != nil && !r.announcer.Healthy() {
		return false
	}
	if r.skills != nil && !r.skills.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func newGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	case "openai":
		return llm.NewOpenAIGenerator(llm.OpenAIOptions{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			Proxy:         cfg.Proxy,
			ModelFast:     cfg.ModelFast,
			ModelBalanced: cfg.ModelBalanced,
		})
	case "mock", "":
		return llm.NewMockGenerator(cfg.MockResponse, mockGeneratorDelay), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

func newSynth(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "mock", "":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func newOutput(cfg config.AudioConfig) (audio.Output, error) {
	switch cfg.OutputMode {
	case "exec":
		return audio.NewExecOutput(cfg.OutputCommand)
	case "null", "":
		return audio.NewNullOutput(), nil
	default:
		return nil, fmt.Errorf("unknown audio output %q", cfg.OutputMode)
	}
}

func newVolume(cfg config.AudioConfig) (audio.VolumeControl, error) {
	switch cfg.VolumeMode {
	case "exec":
		return audio.NewExecVolume(cfg.VolumeGetCommand, cfg.VolumeSetCommand)
	case "static":
		return audio.NewStaticVolume(staticVolumeLevel), nil
	case "none", "":
		return audio.NoVolume{}, nil
	default:
		return nil, fmt.Errorf("unknown volume mode %q", cfg.VolumeMode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
