package sql

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syssam/storekit/dialect"
)

// QueryStats holds query execution statistics.
type QueryStats struct {
	// TotalQueries is the total number of queries executed.
	TotalQueries atomic.Int64
	// TotalExecs is the total number of exec statements executed.
	TotalExecs atomic.Int64
	// TotalDuration is the total time spent executing queries.
	TotalDuration atomic.Int64 // nanoseconds
	// SlowQueries is the count of queries exceeding the slow threshold.
	SlowQueries atomic.Int64
	// Errors is the count of query errors.
	Errors atomic.Int64
}

// Stats returns a snapshot of the current statistics.
func (s *QueryStats) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.TotalQueries.Load(),
		TotalExecs:    s.TotalExecs.Load(),
		TotalDuration: time.Duration(s.TotalDuration.Load()),
		SlowQueries:   s.SlowQueries.Load(),
		Errors:        s.Errors.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *QueryStats) Reset() {
	s.TotalQueries.Store(0)
	s.TotalExecs.Store(0)
	s.TotalDuration.Store(0)
	s.SlowQueries.Store(0)
	s.Errors.Store(0)
}

// StatsSnapshot is a point-in-time snapshot of query statistics.
type StatsSnapshot struct {
	TotalQueries  int64
	TotalExecs    int64
	TotalDuration time.Duration
	SlowQueries   int64
	Errors        int64
}

// AvgQueryDuration returns the average query duration.
func (s StatsSnapshot) AvgQueryDuration() time.Duration {
	total := s.TotalQueries + s.TotalExecs
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

// String returns a human-readable summary of the statistics.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf(
		"queries=%d execs=%d duration=%s avg=%s slow=%d errors=%d",
		s.TotalQueries, s.TotalExecs, s.TotalDuration, s.AvgQueryDuration(),
		s.SlowQueries, s.Errors,
	)
}

// SlowQueryHook is a function called when a slow query is detected.
type SlowQueryHook func(ctx context.Context, query string, args []any, duration time.Duration)

// Recorder collects query statistics for every ExecQuerier it wraps. A pool
// owns one Recorder; connections and transactions acquired from the pool
// report to it.
type Recorder struct {
	stats         *QueryStats
	slowThreshold time.Duration
	slowHook      SlowQueryHook
	debug         func(context.Context, ...any)
	mu            sync.RWMutex
}

// StatsOption configures the Recorder.
type StatsOption func(*Recorder)

// WithSlowThreshold sets the threshold for slow query detection.
// Queries taking longer than this duration will be counted as slow queries.
// Default is 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(r *Recorder) {
		r.slowThreshold = d
	}
}

// WithSlowQueryHook sets a callback function for slow queries.
// The hook is called whenever a query exceeds the slow threshold.
func WithSlowQueryHook(hook SlowQueryHook) StatsOption {
	return func(r *Recorder) {
		r.slowHook = hook
	}
}

// WithSlowQueryLog logs slow queries to the default logger.
// This is a convenience wrapper around WithSlowQueryHook.
func WithSlowQueryLog() StatsOption {
	return WithSlowQueryHook(func(_ context.Context, query string, args []any, duration time.Duration) {
		slog.Warn("slow query detected", "duration", duration, "query", query, "args", args)
	})
}

// WithDebug logs every statement before it is executed. A nil function
// logs through slog at debug level.
func WithDebug(logFunc func(context.Context, ...any)) StatsOption {
	return func(r *Recorder) {
		if logFunc == nil {
			logFunc = func(ctx context.Context, v ...any) {
				slog.DebugContext(ctx, fmt.Sprint(v...))
			}
		}
		r.debug = logFunc
	}
}

// NewRecorder returns a Recorder configured with opts.
func NewRecorder(opts ...StatsOption) *Recorder {
	r := &Recorder{
		stats:         &QueryStats{},
		slowThreshold: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueryStats returns the underlying QueryStats for reading statistics.
func (r *Recorder) QueryStats() *QueryStats {
	return r.stats
}

// SlowThreshold returns the current slow query threshold.
func (r *Recorder) SlowThreshold() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slowThreshold
}

// SetSlowThreshold updates the slow query threshold.
func (r *Recorder) SetSlowThreshold(threshold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slowThreshold = threshold
}

// Wrap returns an ExecQuerier that records statistics for ex.
func (r *Recorder) Wrap(ex dialect.ExecQuerier) dialect.ExecQuerier {
	if ex == nil {
		return nil
	}
	return &statsExecQuerier{ExecQuerier: ex, rec: r}
}

func (r *Recorder) record(ctx context.Context, query string, args any, start time.Time, err error, isQuery bool) {
	duration := time.Since(start)
	if isQuery {
		r.stats.TotalQueries.Add(1)
	} else {
		r.stats.TotalExecs.Add(1)
	}
	r.stats.TotalDuration.Add(int64(duration))

	if err != nil {
		r.stats.Errors.Add(1)
	}

	r.mu.RLock()
	threshold := r.slowThreshold
	hook := r.slowHook
	r.mu.RUnlock()

	if duration > threshold {
		r.stats.SlowQueries.Add(1)
		if hook != nil {
			argsSlice, _ := args.([]any)
			hook(ctx, query, argsSlice, duration)
		}
	}
}

type statsExecQuerier struct {
	dialect.ExecQuerier
	rec *Recorder
}

// Query executes a query and records statistics.
func (s *statsExecQuerier) Query(ctx context.Context, query string, args, v any) error {
	if s.rec.debug != nil {
		s.rec.debug(ctx, fmt.Sprintf("query: %s args: %v", query, args))
	}
	start := time.Now()
	err := s.ExecQuerier.Query(ctx, query, args, v)
	s.rec.record(ctx, query, args, start, err, true)
	return err
}

// Exec executes a statement and records statistics.
func (s *statsExecQuerier) Exec(ctx context.Context, query string, args, v any) error {
	if s.rec.debug != nil {
		s.rec.debug(ctx, fmt.Sprintf("exec: %s args: %v", query, args))
	}
	start := time.Now()
	err := s.ExecQuerier.Exec(ctx, query, args, v)
	s.rec.record(ctx, query, args, start, err, false)
	return err
}
