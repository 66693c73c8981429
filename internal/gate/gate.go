// Package gate turns "maybe a duplicate" into "definitely the first writer".
// It performs exactly one conditional insert per record and classifies the
// store's answer; it is the only mechanism that keeps one record per article.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
)

// Outcome is the result of a successful Persist call.
type Outcome int

const (
	// Written means this call created the record.
	Written Outcome = iota + 1
	// AlreadyExists means another delivery created it first.
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Gate wraps a RecordStore.
type Gate struct {
	store  article.RecordStore
	logger *zap.Logger
}

// New builds a Gate.
func New(store article.RecordStore, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, logger: logger}
}

// Persist writes rec if no record with rec.ID exists. A conflict is not an
// error: the caller should acknowledge the message. Any other store failure
// is wrapped with article.ErrRetryable and the caller must not acknowledge.
func (g *Gate) Persist(ctx context.Context, rec article.SummaryRecord) (Outcome, error) {
	err := g.store.PutIfAbsent(ctx, rec)
	switch {
	case err == nil:
		metrics.ObserveGateWrite(Written.String())
		g.logger.Debug("summary written", zap.String("id", rec.ID), zap.String("url", rec.URL))
		return Written, nil
	case errors.Is(err, article.ErrConditionFailed):
		metrics.ObserveGateWrite(AlreadyExists.String())
		g.logger.Warn("summary already exists; duplicate delivery suppressed",
			zap.String("id", rec.ID),
			zap.String("url", rec.URL),
		)
		return AlreadyExists, nil
	default:
		metrics.ObserveGateWrite("error")
		return 0, fmt.Errorf("%w: persist %s: %w", article.ErrRetryable, rec.ID, err)
	}
}
