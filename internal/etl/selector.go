package etl

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

// DefaultDateLayout is the reference date format accepted by ParseReferenceDate.
const DefaultDateLayout = "2006-01-02"

// Lookback is how far before the reference date a file may have been created.
const Lookback = 24 * time.Hour

// ParseReferenceDate parses value with layout (DefaultDateLayout when empty).
// An empty value yields now.
func ParseReferenceDate(value, layout string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return now, nil
	}
	if layout == "" {
		layout = DefaultDateLayout
	}
	t, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "etl: parse reference date %q with layout %q", value, layout)
	}
	return t, nil
}

// Selector picks the source files created within the lookback window.
type Selector struct {
	store SourceStore
}

// NewSelector creates a Selector over the source container.
func NewSelector(store SourceStore) *Selector {
	return &Selector{store: store}
}

// Select returns every file created on or after ref minus one day, in the
// order the store enumerates them. No files is a valid result.
func (s *Selector) Select(ctx context.Context, ref time.Time) ([]model.SourceFile, error) {
	cutoff := ref.Add(-Lookback)

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, classify(ctx, KindRetrieval, "select", err)
	}

	selected := make([]model.SourceFile, 0, len(all))
	for _, f := range all {
		if !f.CreatedAt.Before(cutoff) {
			selected = append(selected, f)
		}
	}

	zap.L().Info("selected source files",
		zap.String("component", "etl.selector"),
		zap.Time("cutoff", cutoff),
		zap.Int("listed", len(all)),
		zap.Int("selected", len(selected)),
	)
	return selected, nil
}
