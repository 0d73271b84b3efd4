package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-voice-orchestrator-service/internal/observability/logging"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/fault"
)

// DispatcherConfig bounds tool execution.
type DispatcherConfig struct {
	MaxParallel    int
	DefaultTimeout time.Duration
	DefaultRetries int
	RetryDelay     time.Duration
	Audit          AuditSink
	Metrics        *metrics.Metrics
}

// DefaultDispatcherConfig returns the defaults used when a request leaves
// timeout or retry fields unset.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxParallel:    4,
		DefaultTimeout: 5 * time.Second,
		DefaultRetries: 1,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Dispatcher runs tool requests against a registry.
type Dispatcher struct {
	registry *Registry
	cfg      DispatcherConfig
	logger   zerolog.Logger
}

func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		logger:   logging.WithComponent("tool-dispatcher"),
	}
}

// WithMaxParallel returns a dispatcher sharing the registry and audit sink
// with a different parallelism bound. n <= 0 keeps the current bound.
func (d *Dispatcher) WithMaxParallel(n int) *Dispatcher {
	cp := *d
	if n > 0 {
		cp.cfg.MaxParallel = n
	}
	return &cp
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch executes reqs and streams one Result per request as each
// completes. Sequential mode runs requests one at a time in order; parallel
// mode runs up to MaxParallel at once. The channel is closed after the last
// result. Tool failures are reported as results, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []Request, mode Mode) <-chan Result {
	out := make(chan Result, len(reqs))
	group := ""
	if mode == Parallel && len(reqs) > 1 {
		group = uuid.NewString()
	}
	prepared := make([]Request, len(reqs))
	for i, req := range reqs {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if req.Group == "" {
			req.Group = group
		}
		prepared[i] = req
		entry := newAuditEntry(AuditDispatch, req)
		entry.Mode = mode.String()
		entry.Input = req.Input
		d.audit(ctx, entry)
	}

	go func() {
		defer close(out)
		if mode == Sequential {
			for _, req := range prepared {
				out <- d.execute(ctx, req)
			}
			return
		}
		var g errgroup.Group
		g.SetLimit(d.cfg.MaxParallel)
		for _, req := range prepared {
			g.Go(func() error {
				out <- d.execute(ctx, req)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// DispatchAll runs reqs and collects the results in completion order.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []Request, mode Mode) []Result {
	results := make([]Result, 0, len(reqs))
	for r := range d.Dispatch(ctx, reqs, mode) {
		results = append(results, r)
	}
	return results
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Result {
	start := time.Now()
	res := d.run(ctx, req)
	res.RequestID = req.ID
	res.Name = req.Name
	res.Duration = time.Since(start)
	res.CompletedAt = time.Now()

	d.cfg.Metrics.RecordToolCall(req.Name, string(res.Status), res.Duration)
	logger := d.logger.With().
		Str("callId", req.CallID).
		Str("requestId", req.ID).
		Str("tool", req.Name).
		Logger()
	if res.Status == StatusSuccess {
		logger.Debug().Dur("duration", res.Duration).Int("attempts", res.Attempts).Msg("tool call succeeded")
	} else {
		logger.Warn().Str("status", string(res.Status)).Str("error", res.Error).Int("attempts", res.Attempts).Msg("tool call failed")
	}

	entry := newAuditEntry(AuditResult, req)
	entry.Output = res.Output
	entry.Status = res.Status
	entry.Error = res.Error
	entry.Attempts = res.Attempts
	entry.Duration = res.Duration
	d.audit(ctx, entry)
	return res
}

func (d *Dispatcher) run(ctx context.Context, req Request) Result {
	tool, ok := d.registry.Get(req.Name)
	if !ok {
		return Result{Status: StatusFailed, Error: fmt.Sprintf("%v: %s", ErrUnknownTool, req.Name)}
	}
	input, err := CanonicalInput(req.Input)
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	retries := req.MaxRetries
	if retries < 0 {
		retries = d.cfg.DefaultRetries
	}
	delay := req.RetryDelay
	if delay <= 0 {
		delay = d.cfg.RetryDelay
	}

	// The timeout covers every attempt, not each one.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	output, err := fault.Retry(callCtx, fault.Policy{Retries: retries, Delay: delay}, fault.StageTool,
		func() ([]byte, error) {
			attempts++
			out, err := callTool(callCtx, tool, input)
			if err != nil {
				if errors.Is(err, ErrInvalidInput) {
					return nil, fault.Fatal(fault.StageTool, err)
				}
				return nil, err
			}
			return CanonicalOutput(out)
		}, nil)

	res := Result{Attempts: attempts}
	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Output = output
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("%v after %s", fault.ErrToolTimeout, timeout)
	case ctx.Err() != nil:
		res.Status = StatusFailed
		res.Error = "cancelled"
	default:
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%v: %v", fault.ErrToolExecution, unwrapAdapter(err))
	}
	return res
}

func (d *Dispatcher) audit(ctx context.Context, entry AuditEntry) {
	if d.cfg.Audit != nil {
		d.cfg.Audit.Record(ctx, entry)
	}
}

// callTool returns when the tool does or when ctx is done, whichever is first.
func callTool(ctx context.Context, tool Tool, input []byte) ([]byte, error) {
	type reply struct {
		out []byte
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := tool.Call(ctx, input)
		done <- reply{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unwrapAdapter(err error) error {
	var ae *fault.AdapterError
	if errors.As(err, &ae) {
		return ae.Err
	}
	return err
}
