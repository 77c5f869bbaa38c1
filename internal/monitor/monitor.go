// Package monitor runs chain verification on a schedule inside
// `qmsledger serve`: a quick check of the most recent entries (hourly by
// default) and a full walk of the chain (daily by default).
//
// Runs of the same kind never overlap; a tick that fires while the
// previous run is still going is skipped. Stop cancels a run in progress,
// which then reports as incomplete.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron"

	"github.com/asvo/qmsledger/internal/audit"
)

// Run kinds.
const (
	KindQuick = "quick"
	KindFull  = "full"
)

// Notifier receives every finished run. The dashboard implements it to
// push results to the live feed.
type Notifier interface {
	BroadcastVerification(kind string, rep *audit.Report)
}

// Result is one finished verification run.
type Result struct {
	RunID      string        `json:"runId"`
	Kind       string        `json:"kind"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Report     *audit.Report `json:"report"`
	Err        error         `json:"-"`
}

// Options configures a Monitor.
type Options struct {
	QuickSchedule string // cron spec; empty disables the quick check
	FullSchedule  string // cron spec; empty disables the full check
	QuickCount    int
	Notifier      Notifier
}

// Monitor schedules verification runs.
type Monitor struct {
	verifier *audit.Verifier
	opts     Options
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	running map[string]bool
	last    map[string]Result
	wg      sync.WaitGroup
}

// New creates a Monitor. Nothing runs until Start.
func New(verifier *audit.Verifier, opts Options) *Monitor {
	if opts.QuickCount <= 0 {
		opts.QuickCount = audit.DefaultQuickCount
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		verifier: verifier,
		opts:     opts,
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]bool),
		last:     make(map[string]Result),
	}
}

// Start registers the configured schedules and starts the scheduler.
func (m *Monitor) Start() error {
	jobs := []struct {
		kind, spec string
	}{
		{KindQuick, m.opts.QuickSchedule},
		{KindFull, m.opts.FullSchedule},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		kind := j.kind
		if err := m.cron.AddFunc(j.spec, func() { m.Run(m.ctx, kind) }); err != nil {
			return fmt.Errorf("scheduling %s verification %q: %w", kind, j.spec, err)
		}
		slog.Info("verification scheduled", "kind", kind, "schedule", j.spec)
	}
	m.cron.Start()
	return nil
}

// Stop halts the scheduler, cancels any run in progress and waits for it
// to return. cron.Stop does not wait for jobs it already dispatched, so
// Run checks stopped under mu before joining the WaitGroup; no run can
// start once Wait has begun.
func (m *Monitor) Stop() {
	m.cron.Stop()
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Run performs one verification of the given kind now. It returns false
// without running when a run of that kind is already in progress or the
// monitor has been stopped.
func (m *Monitor) Run(ctx context.Context, kind string) (Result, bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Result{}, false
	}
	if m.running[kind] {
		m.mu.Unlock()
		slog.Warn("verification still running, skipping tick", "kind", kind)
		return Result{}, false
	}
	m.running[kind] = true
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, kind)
		m.mu.Unlock()
		m.wg.Done()
	}()

	res := Result{RunID: uuid.NewString(), Kind: kind, StartedAt: time.Now().UTC()}
	switch kind {
	case KindQuick:
		res.Report, res.Err = m.verifier.QuickVerify(ctx, m.opts.QuickCount)
	case KindFull:
		res.Report, res.Err = m.verifier.FullVerify(ctx, audit.Range{})
	default:
		res.Err = fmt.Errorf("unknown verification kind %q", kind)
	}
	res.FinishedAt = time.Now().UTC()

	m.record(res)
	return res, true
}

func (m *Monitor) record(res Result) {
	m.mu.Lock()
	m.last[res.Kind] = res
	m.mu.Unlock()

	switch {
	case res.Err != nil:
		slog.Error("scheduled verification failed", "run_id", res.RunID, "kind", res.Kind, "error", res.Err)
	case !res.Report.Valid:
		slog.Warn("scheduled verification found broken entries",
			"run_id", res.RunID, "kind", res.Kind,
			"invalid", res.Report.InvalidRecords, "total", res.Report.TotalRecords)
	default:
		slog.Info("scheduled verification passed",
			"run_id", res.RunID, "kind", res.Kind, "total", res.Report.TotalRecords)
	}

	if m.opts.Notifier != nil && res.Report != nil {
		m.opts.Notifier.BroadcastVerification(res.Kind, res.Report)
	}
}

// Last returns the most recent result of the given kind.
func (m *Monitor) Last(kind string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.last[kind]
	return res, ok
}
