package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/registry"
	"github.com/isdmx/coderun/sandbox"
)

// Default policy values
const (
	DefaultTimeout      = 30 * time.Second
	DefaultReclaimGrace = 2 * time.Second
)

// Dispatcher runs submissions against the backends held by a Registry.
type Dispatcher struct {
	logger       *zap.Logger
	registry     *registry.Registry
	timeout      time.Duration
	reclaimGrace time.Duration

	// lanes serialize runs per language whose backend is a shared runtime.
	lanes map[string]*semaphore.Weighted
}

// Option defines a functional option for Dispatcher
type Option func(*Dispatcher)

// WithTimeout sets the wall-clock ceiling of a run
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.timeout = d
	}
}

// WithReclaimGrace bounds how long a timed-out sandbox is given to terminate
func WithReclaimGrace(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.reclaimGrace = d
	}
}

// New creates a Dispatcher over reg.
func New(logger *zap.Logger, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:       logger,
		registry:     reg,
		timeout:      DefaultTimeout,
		reclaimGrace: DefaultReclaimGrace,
		lanes:        make(map[string]*semaphore.Weighted),
	}

	for _, opt := range opts {
		opt(d)
	}

	for _, spec := range reg.Languages() {
		if spec.Family.Exclusive() {
			d.lanes[spec.Name] = semaphore.NewWeighted(1)
		}
	}

	return d
}

// NewFromConfig creates a Dispatcher using the configured timeout policy.
func NewFromConfig(cfg *config.Config, logger *zap.Logger, reg *registry.Registry) *Dispatcher {
	return New(logger, reg,
		WithTimeout(cfg.Sandbox.Timeout),
		WithReclaimGrace(cfg.Sandbox.ReclaimGrace),
	)
}

// Timeout returns the configured run ceiling.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Execute runs code in the sandbox for language. It never fails: every
// outcome, including timeouts and runtime faults, is described by the
// returned Result.
func (d *Dispatcher) Execute(ctx context.Context, code, language string) Result {
	log := d.logger.With(zap.String("run_id", uuid.NewString()), zap.String("language", language))

	res := d.execute(ctx, log, code, language)

	metrics.ExecutionsTotal.WithLabelValues(d.metricLanguage(language), string(res.Kind)).Inc()
	fields := []zap.Field{zap.String("kind", string(res.Kind)), zap.Int("output_lines", len(res.Output))}
	if res.ElapsedMillis != nil {
		metrics.ExecutionDuration.WithLabelValues(d.metricLanguage(language)).Observe(*res.ElapsedMillis)
		fields = append(fields, zap.Float64("elapsed_ms", *res.ElapsedMillis))
	}
	if res.Error != "" {
		fields = append(fields, zap.String("error", res.Error))
	}
	log.Info("execution finished", fields...)

	return res
}

func (d *Dispatcher) execute(ctx context.Context, log *zap.Logger, code, language string) Result {
	if strings.TrimSpace(code) == "" {
		return Result{Output: []string{NoCodeMessage}, ElapsedMillis: millis(0), Kind: KindEmptyInput}
	}

	spec, ok := d.registry.Spec(language)
	if !ok {
		return Result{
			Output:        []string{},
			Error:         fmt.Sprintf("Execution for %s is not supported yet.", language),
			ElapsedMillis: millis(0),
			Kind:          KindUnsupportedLanguage,
		}
	}

	if lane := d.lanes[language]; lane != nil {
		gauge := metrics.LaneWaiting.WithLabelValues(language)
		gauge.Inc()
		err := lane.Acquire(ctx, 1)
		gauge.Dec()
		if err != nil {
			return canceled(nil, err, nil)
		}
		defer lane.Release(1)
	}

	// The stopwatch includes the cold start of the first run per language.
	start := time.Now()

	backend, err := d.registry.Acquire(ctx, language)
	if err != nil {
		elapsed := time.Since(start)
		var initErr *registry.InitError
		if !errors.As(err, &initErr) && ctx.Err() != nil {
			return canceled(nil, err, millis(elapsed))
		}
		log.Error("backend unavailable", zap.Error(err))
		return Result{
			Output:        []string{},
			Error:         initFailureMessage(language, err),
			ElapsedMillis: millis(elapsed),
			Kind:          KindBackendInitialization,
		}
	}

	return d.run(ctx, log, spec, backend, code, start)
}

// run executes one SandboxRun with the timeout applied concurrently.
func (d *Dispatcher) run(ctx context.Context, log *zap.Logger, spec sandbox.LanguageSpec, backend sandbox.Backend, code string, start time.Time) Result {
	capture := sandbox.NewCapture()

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("backend panic: %v", p)
			}
		}()
		done <- backend.Run(runCtx, code, capture)
	}()

	var (
		runErr  error
		running bool
	)
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		select {
		case runErr = <-done:
		default:
			runErr, running = runCtx.Err(), true
		}
	}

	elapsed := millis(time.Since(start))
	output := normalizeLines(capture.Lines())

	if running {
		d.reclaim(log, done)
	}

	switch {
	case runErr == nil:
		return Result{Output: output, ElapsedMillis: elapsed, Kind: KindOK}

	case errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
		d.invalidate(log, spec, backend, spec.Family.Exclusive())
		return Result{Output: output, Error: d.timeoutMessage(), ElapsedMillis: elapsed, Kind: KindTimeoutExceeded}

	case ctx.Err() != nil:
		d.invalidate(log, spec, backend, spec.Family.Exclusive())
		return canceled(output, ctx.Err(), elapsed)
	}

	if fault, ok := sandbox.AsFault(runErr); ok {
		d.invalidate(log, spec, backend, false)
		return Result{Output: output, Error: faultMessage(fault), ElapsedMillis: elapsed, Kind: KindRuntimeFault}
	}

	log.Error("sandbox run failed", zap.Error(runErr))
	d.invalidate(log, spec, backend, spec.Family.Exclusive())
	return Result{Output: output, Error: fmt.Sprintf("Execution failed: %v", runErr), ElapsedMillis: elapsed, Kind: KindRuntimeFault}
}

// reclaim waits for a terminated run to release its sandbox.
func (d *Dispatcher) reclaim(log *zap.Logger, done <-chan error) {
	timer := time.NewTimer(d.reclaimGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		log.Debug("sandbox reclaimed", zap.Error(err))
	case <-timer.C:
		log.Warn("sandbox did not terminate within reclaim grace", zap.Duration("grace", d.reclaimGrace))
	}
}

// invalidate drops backend from the registry when force is set or when the
// backend no longer reports itself healthy.
func (d *Dispatcher) invalidate(log *zap.Logger, spec sandbox.LanguageSpec, backend sandbox.Backend, force bool) {
	if !force && backend.Healthy() {
		return
	}
	if d.registry.Invalidate(spec.Name, backend) {
		log.Info("runtime scheduled for recreation")
	}
}

func (d *Dispatcher) timeoutMessage() string {
	return fmt.Sprintf("Execution timeout exceeded (%s seconds)", strconv.FormatFloat(d.timeout.Seconds(), 'f', -1, 64))
}

func initFailureMessage(language string, err error) string {
	var initErr *registry.InitError
	if errors.As(err, &initErr) {
		return fmt.Sprintf("Failed to initialize %s runtime: %v", language, initErr.Err)
	}
	return fmt.Sprintf("Failed to initialize %s runtime: %v", language, err)
}

func canceled(output []string, err error, elapsed *float64) Result {
	if output == nil {
		output = []string{}
	}
	return Result{Output: output, Error: fmt.Sprintf("Execution canceled: %v", err), ElapsedMillis: elapsed, Kind: KindCanceled}
}

// metricLanguage keeps label cardinality bounded by folding unknown
// languages into one value.
func (d *Dispatcher) metricLanguage(language string) string {
	if !d.registry.Supported(language) {
		return "unsupported"
	}
	return language
}
