// Package logger writes request outcome records off the hot path.
//
// Records go into a buffered channel and a background goroutine hands them
// to the audit sink in batches. When the channel is full new records are
// dropped and counted, so Record never blocks a request.
package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// Logger batches audit records. A nil sink logs each record as a JSON line.
type Logger struct {
	ch        chan audit.Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	sink    audit.Sink
	baseCtx context.Context
	log     *slog.Logger
	onDrop  func()
}

type Option func(*Logger)

// WithOnDrop registers a callback run for every dropped record.
func WithOnDrop(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

func New(ctx context.Context, slogger *slog.Logger, sink audit.Sink, opts ...Option) *Logger {
	if slogger == nil {
		slogger = slog.Default()
	}

	l := &Logger{
		ch:      make(chan audit.Record, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: context.WithoutCancel(ctx),
		log:     slogger,
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Record enqueues rec without blocking.
func (l *Logger) Record(rec audit.Record) {
	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Written counts records accepted by the sink or logged.
func (l *Logger) Written() int64 { return l.written.Load() }

// Failed counts records lost to sink errors.
func (l *Logger) Failed() int64 { return l.failed.Load() }

// Close flushes everything queued so far and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]audit.Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.write(batch)
		batch = make([]audit.Record, 0, batchSize)
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) write(batch []audit.Record) {
	if l.sink == nil {
		for _, r := range batch {
			l.logRecord(r)
		}
		l.written.Add(int64(len(batch)))
		return
	}

	ctx, cancel := context.WithTimeout(l.baseCtx, writeTimeout)
	defer cancel()

	if err := l.sink.WriteBatch(ctx, batch); err != nil {
		l.failed.Add(int64(len(batch)))
		l.log.ErrorContext(ctx, "audit_write_failed",
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()),
		)
		return
	}
	l.written.Add(int64(len(batch)))
}

func (l *Logger) logRecord(r audit.Record) {
	attrs := []slog.Attr{
		slog.String("id", r.ID),
		slog.String("request_id", r.RequestID),
		slog.String("workspace_id", r.WorkspaceID),
		slog.Time("ts", normalizeTime(r.Timestamp)),
		slog.String("provider", r.Provider),
		slog.String("model_requested", r.ModelRequested),
		slog.String("model_used", r.ModelUsed),
		slog.String("route", r.RouteName),
		slog.String("cache", string(r.CacheStatus)),
		slog.String("outcome", string(r.Outcome)),
		slog.Int("est_input_tokens", r.EstInputTokens),
		slog.Float64("est_cost_usd", r.EstCostUSD),
		slog.Float64("actual_cost_usd", r.ActualCostUSD),
		slog.Float64("baseline_cost_usd", r.BaselineCostUSD),
		slog.Int64("latency_ms", r.LatencyMs),
		slog.Int("attempts", r.Attempts),
		slog.String("request_hash", r.RequestHash),
		slog.String("policy_version", r.PolicyVersion),
	}
	if r.ActualInputTokens != nil {
		attrs = append(attrs, slog.Int("actual_input_tokens", *r.ActualInputTokens))
	}
	if r.ActualOutputTokens != nil {
		attrs = append(attrs, slog.Int("actual_output_tokens", *r.ActualOutputTokens))
	}
	if r.Error != "" {
		attrs = append(attrs, slog.String("error", r.Error))
	}
	l.log.LogAttrs(l.baseCtx, slog.LevelInfo, "request_outcome", attrs...)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
