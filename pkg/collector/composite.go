package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/autoinfra/autoinfra/pkg/engine"
	"github.com/autoinfra/autoinfra/pkg/telemetry"
)

// Source is a named state collector.
type Source interface {
	engine.StateCollector
	Name() string
}

// Composite runs several collectors concurrently and merges their snapshots.
// One failing source fails the whole collection: a partial snapshot would
// report everything the failed source owns as missing.
type Composite struct {
	sources []Source
	logger  zerolog.Logger
}

// NewComposite creates a composite collector.
func NewComposite(logger zerolog.Logger, sources ...Source) *Composite {
	return &Composite{sources: sources, logger: logger.With().Str("component", "collector").Logger()}
}

// Sources returns the configured sources.
func (c *Composite) Sources() []Source {
	return c.sources
}

// Collect gathers and merges every source.
func (c *Composite) Collect(ctx context.Context, plan *engine.Plan) (*engine.LiveStateSnapshot, error) {
	if len(c.sources) == 0 {
		return nil, engine.NewCollectionError("no state collectors configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	snapshots := make([]*engine.LiveStateSnapshot, len(c.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range c.sources {
		g.Go(func() error {
			op := telemetry.StartOperation(gctx, "collector."+src.Name(), attribute.String("collector", src.Name()))

			snap, err := src.Collect(op.Ctx, plan)
			op.End(err)
			if err != nil {
				if ee, ok := engine.AsEngineError(err); ok {
					return ee.WithDetail("collector", src.Name())
				}
				return err
			}

			c.logger.Debug().
				Str("collector", src.Name()).
				Dur("duration", op.Timer.Duration()).
				Msg("Collector finished")
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged *engine.LiveStateSnapshot
	for _, snap := range snapshots {
		switch {
		case snap == nil:
		case merged == nil:
			merged = snap
		default:
			merged.Merge(snap)
		}
	}
	if merged == nil {
		merged = engine.NewSnapshot(time.Now().UTC())
	}
	return merged, nil
}

// FileCollector reads a snapshot previously written with WriteSnapshot, for
// offline runs against recorded state.
type FileCollector struct {
	Path string
}

// Name identifies the collector in logs and spans.
func (f FileCollector) Name() string {
	return "file"
}

// Collect reads the snapshot file.
func (f FileCollector) Collect(ctx context.Context, plan *engine.Plan) (*engine.LiveStateSnapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, engine.NewCollectionError(fmt.Sprintf("failed to read snapshot %s", f.Path), err).
			WithOperation("file.read")
	}
	snap := &engine.LiveStateSnapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, engine.NewCollectionError(fmt.Sprintf("failed to parse snapshot %s", f.Path), err).
			WithOperation("file.parse")
	}
	return snap, nil
}

// WriteSnapshot records a snapshot as JSON.
func WriteSnapshot(path string, snap *engine.LiveStateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
