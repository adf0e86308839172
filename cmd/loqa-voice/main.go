package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	cli "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

var logLevelMap = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	configPath := cli.StringP("config", "c", "loqa.yaml", "Path to configuration file")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log-level", "l", "", "Log level (debug|info|warn|error); overrides telemetry.log_level")
	logFormat := cli.String("log-format", "text", "Log format (text|json)")
	noSpeech := cli.Bool("no-speech", false, "Disable spoken output")
	daemon := cli.BoolP("daemon", "d", false, "Run without the interactive prompt")
	showVersion := cli.BoolP("version", "v", false, "Print version and exit")
	cli.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// A missing env file is normal outside development.
	_ = godotenv.Load(*envFile)

	path := *configPath
	if !cli.CommandLine.Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Telemetry.LogLevel = *logLevel
	}
	if *noSpeech {
		cfg.Speech.Enabled = false
	}

	logger := newLogger(*logFormat, cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Open(ctx); err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		_ = rt.Close()
		os.Exit(1)
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- rt.Serve(ctx) }()
	go watchSignals(ctx, stop, rt, logger)

	if *daemon {
		select {
		case <-ctx.Done():
		case err := <-serveDone:
			serveDone <- err
		}
	} else {
		fmt.Printf("loqa-voice %s. Type a message, /help for commands.\n", version)
		turnTimeout := time.Duration(cfg.Session.TurnTimeoutMS) * time.Millisecond
		r := newREPL(rt.Assistant(), rt.ResetHistory, turnTimeout, os.Stdout)
		if err := r.run(ctx, readLines(os.Stdin)); err != nil {
			logger.Error("prompt failed", slog.String("error", err.Error()))
		}
	}
	stop()

	exitCode := 0
	if err := <-serveDone; err != nil {
		logger.Error("http server failed", slog.String("error", err.Error()))
		exitCode = 1
	}
	if err := rt.Close(); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		exitCode = 1
	}
	logger.Info("shutdown complete")
	os.Exit(exitCode)
}

// watchSignals turns the first Ctrl-C during a turn into a cancellation.
// Ctrl-C while idle, or SIGTERM, stops the process.
func watchSignals(ctx context.Context, stop context.CancelFunc, rt *runtime.Runtime, logger *slog.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			if sig == syscall.SIGINT && rt.Assistant().Cancel() {
				logger.Info("turn interrupted")
				continue
			}
			logger.Info("stopping", slog.String("signal", sig.String()))
			stop()
			return
		}
	}
}

func readLines(f *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// newLogger writes to stderr so assistant output on stdout stays readable.
func newLogger(format, level string) *slog.Logger {
	lvl, ok := logLevelMap[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}
