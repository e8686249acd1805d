// Package observability records ledger operation outcomes as structured logs
// and Prometheus counters.
package observability

import (
	"context"
	"errors"

	"github.com/marketmesh/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LedgerObserver implements ledger.OperationLogger.
type LedgerObserver struct {
	logger     *zap.Logger
	operations *prometheus.CounterVec
	invariants prometheus.Counter
}

// NewLedgerObserver registers the ledger metrics and returns the observer.
func NewLedgerObserver(logger *zap.Logger, registerer prometheus.Registerer) *LedgerObserver {
	observer := &LedgerObserver{
		logger: logger,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinledger_operations_total",
			Help: "Ledger operations by operation and status.",
		}, []string{"operation", "status"}),
		invariants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinledger_invariant_violations_total",
			Help: "Balance invariant check failures. Must stay zero.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(observer.operations, observer.invariants)
	}
	return observer
}

// LogOperation records one ledger mutation attempt.
func (observer *LedgerObserver) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	observer.operations.WithLabelValues(entry.Operation, entry.Status).Inc()

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount_coins", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.ExternalRef != "" {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef))
	}
	if entry.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", entry.ResourceID))
	}
	if entry.Error == nil {
		observer.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	if errors.Is(entry.Error, ledger.ErrInvariantViolation) {
		observer.invariants.Inc()
		observer.logger.Error("ledger invariant violation", fields...)
		return
	}
	observer.logger.Warn("ledger operation failed", fields...)
}
