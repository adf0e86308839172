package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/intent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of one intent, in the shape handed to the model.
type Result struct {
	Action  string `json:"action"`
	Args    Args   `json:"args"`
	Result  any    `json:"result"`
	Success bool   `json:"success"`
}

// Dispatcher runs intents against a registry. A single intent runs inline;
// several run on a bounded pool. Failures never abort the batch.
type Dispatcher struct {
	registry   *Registry
	maxWorkers int
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	executed   metric.Int64Counter
	duration   metric.Float64Histogram
}

func NewDispatcher(registry *Registry, maxWorkers int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/actions")
	executed, _ := meter.Int64Counter("loqa.actions.executed", metric.WithDescription("Actions executed by outcome"))
	duration, _ := meter.Float64Histogram("loqa.actions.duration", metric.WithDescription("Action execution time"), metric.WithUnit("s"))
	return &Dispatcher{
		registry:   registry,
		maxWorkers: maxWorkers,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "actions")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-voice/actions"),
		executed:   executed,
		duration:   duration,
	}
}

// Execute runs every intent and returns one result per intent, in request
// order. It returns once all of them have finished.
func (d *Dispatcher) Execute(ctx context.Context, intents []intent.Intent) []Result {
	if len(intents) == 0 {
		return nil
	}
	ctx, span := d.tracer.Start(ctx, "actions.execute", trace.WithAttributes(attribute.Int("actions.count", len(intents))))
	defer span.End()

	results := make([]Result, len(intents))
	if len(intents) == 1 {
		results[0] = d.run(ctx, intents[0])
		return results
	}

	workers := d.maxWorkers
	if len(intents) < workers {
		workers = len(intents)
	}
	sema := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, in := range intents {
		wg.Add(1)
		sema <- struct{}{}
		go func(i int, in intent.Intent) {
			defer wg.Done()
			defer func() { <-sema }()
			results[i] = d.run(ctx, in)
		}(i, in)
	}
	wg.Wait()

	for _, r := range results {
		if !r.Success {
			span.SetStatus(codes.Error, "one or more actions failed")
			break
		}
	}
	return results
}

func (d *Dispatcher) run(ctx context.Context, in intent.Intent) (res Result) {
	args := Args(in.Args)
	if args == nil {
		args = Args{}
	}
	res = Result{Action: in.Action, Args: args}

	handler, ok := d.registry.Lookup(in.Action)
	if !ok {
		d.logger.Warn("unknown action", slog.String("action", in.Action))
		d.executed.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "unknown"), attribute.Bool("success", false)))
		return res
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("action panicked", slog.String("action", in.Action), slog.Any("panic", r))
			res.Result = fmt.Sprintf("panic: %v", r)
			res.Success = false
		}
		attrs := metric.WithAttributes(attribute.String("action", in.Action), attribute.Bool("success", res.Success))
		d.executed.Add(ctx, 1, attrs)
		d.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	value, err := handler(ctx, args)
	if err != nil {
		d.logger.Warn("action failed", slog.String("action", in.Action), slog.String("error", err.Error()))
		res.Result = err.Error()
		return res
	}
	res.Result = value
	res.Success = true
	d.logger.Debug("action executed", slog.String("action", in.Action))
	return res
}
