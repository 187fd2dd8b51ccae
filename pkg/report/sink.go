package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// JSONSink writes each report as one line of JSON.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ engine.ReportSink = (*JSONSink)(nil)

// NewJSONSink writes JSON lines to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

// Emit writes the report.
func (s *JSONSink) Emit(_ context.Context, report *engine.CycleReport) error {
	if report == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report %s: %w", report.ID, err)
	}
	return nil
}

// Multi emits to every sink in order. Every sink is tried; the errors are joined.
type Multi []engine.ReportSink

// Emit fans the report out.
func (m Multi) Emit(ctx context.Context, report *engine.CycleReport) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to engine.ReportSink.
type SinkFunc func(ctx context.Context, report *engine.CycleReport) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, report *engine.CycleReport) error {
	return f(ctx, report)
}
