package plan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/engine"
)

// Store owns the plan document. A reconciliation cycle reads the plan under
// the read lock for its whole duration; updates take the write lock, so an
// update waits for the active cycle and never lands mid-cycle.
type Store struct {
	path      string
	format    Format
	validator *Validator
	logger    zerolog.Logger

	mu       sync.RWMutex
	plan     *engine.Plan
	loadedAt time.Time

	watcher *fsnotify.Watcher
}

// NewStore creates a store for the plan file at path. The file is read by Load.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	f, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &Store{
		path:      abs,
		format:    f,
		validator: v,
		logger:    logger.With().Str("component", "plan-store").Str("path", abs).Logger(),
	}, nil
}

// Path returns the absolute path of the plan file.
func (s *Store) Path() string {
	return s.path
}

// LoadFile reads and validates a plan file.
func LoadFile(path string) (*engine.Plan, error) {
	f, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return readPlan(path, f, v)
}

func readPlan(path string, f Format, v *Validator) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewConfigError(fmt.Sprintf("plan %s not found", path), err).
				WithCode(engine.ErrCodeNotFound)
		}
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read plan %s", path), err)
	}

	canonical, err := ToJSON(data, f)
	if err != nil {
		return nil, err
	}
	return v.Decode(canonical)
}

// Load reads the plan file and replaces the current plan. An invalid file
// leaves the current plan in place.
func (s *Store) Load(ctx context.Context) error {
	p, err := readPlan(s.path, s.format, s.validator)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.plan = p
	s.loadedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info().
		Str("version", p.Version).
		Int("services", len(p.Services)).
		Msg("Plan loaded")
	return nil
}

// Acquire returns the current plan and holds the read lock until release is
// called. The plan must not be modified. A store that has not loaded yet
// loads first.
func (s *Store) Acquire(ctx context.Context) (*engine.Plan, func(), error) {
	s.mu.RLock()
	if s.plan == nil {
		s.mu.RUnlock()
		if err := s.Load(ctx); err != nil {
			return nil, nil, err
		}
		s.mu.RLock()
	}
	if s.plan == nil {
		s.mu.RUnlock()
		return nil, nil, engine.NewConfigError("no plan loaded", nil).WithCode(engine.ErrCodeNotFound)
	}

	var once sync.Once
	return s.plan, func() { once.Do(s.mu.RUnlock) }, nil
}

// Snapshot returns a private copy of the current plan.
func (s *Store) Snapshot(ctx context.Context) (*engine.Plan, error) {
	p, release, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.Clone()
}

// Update applies fn to a copy of the plan, validates the result and writes it
// back to disk. The in-memory plan only changes when the write succeeds.
func (s *Store) Update(ctx context.Context, fn func(p *engine.Plan) error) (*engine.Plan, error) {
	if s.current() == nil {
		if err := s.Load(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.plan.Clone()
	if err != nil {
		return nil, err
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(next); err != nil {
		return nil, err
	}
	if err := SaveFile(s.path, next); err != nil {
		return nil, err
	}

	s.plan = next
	s.loadedAt = time.Now().UTC()
	s.logger.Info().Str("version", next.Version).Msg("Plan updated")
	return next.Clone()
}

// Set replaces the value at a field path. See SetField for the path syntax.
func (s *Store) Set(ctx context.Context, path string, value interface{}) (*engine.Plan, error) {
	return s.Update(ctx, func(p *engine.Plan) error {
		updated, err := SetField(p, path, value)
		if err != nil {
			return err
		}
		*p = *updated
		return nil
	})
}

func (s *Store) current() *engine.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan
}

// LoadedAt returns when the current plan was read or written.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// SaveFile writes a plan in the format implied by its extension. The file is
// replaced atomically.
func SaveFile(path string, p *engine.Plan) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	data, err := Encode(p, f)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".plan-*")
	if err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace plan: %w", err)
	}
	return nil
}

// Watch reloads the plan when the file changes on disk and calls onChange
// with the new plan. An invalid edit is logged and the previous plan stays.
// Watching stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(*engine.Plan)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher

	go s.processEvents(ctx, onChange)

	s.logger.Info().Msg("Watching plan file")
	return nil
}

func (s *Store) processEvents(ctx context.Context, onChange func(*engine.Plan)) {
	var reloadTimer *time.Timer
	reloadDelay := 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			s.logger.Debug().Str("op", event.Op.String()).Msg("Plan file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				s.reload(ctx, onChange)
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (s *Store) reload(ctx context.Context, onChange func(*engine.Plan)) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Load(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Plan change rejected, keeping previous plan")
		return
	}
	if onChange != nil {
		if p, err := s.Snapshot(ctx); err == nil {
			onChange(p)
		}
	}
}
