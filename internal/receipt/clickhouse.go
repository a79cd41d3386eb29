package receipt

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseEmitter writes receipts to ClickHouse asynchronously. Emit is
// non-blocking: receipts are buffered and batch-inserted by a background
// goroutine. The audit table is append-only; nothing here updates or
// deletes rows.
type ClickHouseEmitter struct {
	conn    driver.Conn
	buffer  chan *Receipt
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseEmitter connects and starts the background flush loop.
func NewClickHouseEmitter(dsn string, logger *zap.Logger) (*ClickHouseEmitter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	e := &ClickHouseEmitter{
		conn:    conn,
		buffer:  make(chan *Receipt, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go e.flushLoop()
	return e, nil
}

// Emit queues a receipt for async insertion. Non-blocking: logs and drops
// when the buffer is full so a slow audit store can never stall dispatch.
func (e *ClickHouseEmitter) Emit(r *Receipt) {
	select {
	case e.buffer <- r:
	default:
		e.logger.Warn("receipt buffer full, dropping receipt",
			zap.String("receipt_id", r.ID),
		)
	}
}

// Close signals the flush loop to drain remaining receipts.
func (e *ClickHouseEmitter) Close() {
	close(e.done)
	<-e.flushed
}

func (e *ClickHouseEmitter) flushLoop() {
	defer close(e.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Receipt, 0, flushBatch)

	for {
		select {
		case r := <-e.buffer:
			batch = append(batch, r)
			if len(batch) >= flushBatch {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-e.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case r := <-e.buffer:
					batch = append(batch, r)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				e.flush(batch)
			}
			return
		}
	}
}

func (e *ClickHouseEmitter) flush(receipts []*Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := e.conn.PrepareBatch(ctx, `
		INSERT INTO receipts (
			receipt_id, timestamp, capability, action, scope, tier_used,
			outcome, duration_ms, error,
			policy_decision, policy_violations, policy_target,
			route_selected, route_rationale, route_candidates
		)
	`)
	if err != nil {
		e.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range receipts {
		var (
			policyDecision   string
			policyViolations []string
			policyTarget     string
		)
		if r.Policy != nil {
			policyDecision = r.Policy.Decision.String()
			policyViolations = r.Policy.ViolatedRules
			policyTarget = r.Policy.RedactedTarget
		}

		var (
			routeSelected   string
			routeRationale  string
			routeCandidates []string
		)
		if r.Route != nil {
			routeSelected = r.Route.SelectedID
			routeRationale = r.Route.Rationale
			for _, c := range r.Route.Candidates {
				routeCandidates = append(routeCandidates,
					c.ProviderID+"="+c.Reason)
			}
		}

		if err := batch.Append(
			r.ID,
			r.Timestamp,
			r.Capability.String(),
			r.Action,
			r.Scope,
			r.TierUsed.String(),
			r.Outcome.String(),
			float32(r.Duration.Milliseconds()),
			truncate(r.Error, 1024),
			policyDecision,
			policyViolations,
			policyTarget,
			routeSelected,
			routeRationale,
			routeCandidates,
		); err != nil {
			e.logger.Error("clickhouse append receipt failed",
				zap.String("receipt_id", r.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		e.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(receipts)),
			zap.Error(err),
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// LogEmitter is a fallback Emitter for local development.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter that writes receipts to the logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(r *Receipt) {
	fields := []zap.Field{
		zap.String("receipt_id", r.ID),
		zap.String("capability", r.Capability.String()),
		zap.String("action", r.Action),
		zap.String("scope", r.Scope),
		zap.String("tier", r.TierUsed.String()),
		zap.String("outcome", r.Outcome.String()),
		zap.Duration("duration", r.Duration),
	}
	if r.Policy != nil && len(r.Policy.ViolatedRules) > 0 {
		fields = append(fields, zap.String("violations", strings.Join(r.Policy.ViolatedRules, ",")))
	}
	if r.Error != "" {
		fields = append(fields, zap.String("error", r.Error))
	}
	e.logger.Info("receipt", fields...)
}

func (e *LogEmitter) Close() {}
