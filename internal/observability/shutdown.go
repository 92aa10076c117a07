package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stage orders shutdown of a clan node. Listeners stop before the background
// maintenance loop so no new request can race an expiry sweep. The loop stops
// before the store and archive close. Telemetry goes last so the spans of
// every earlier stage are flushed.
type Stage int

const (
	StageIngress Stage = iota
	StageMaintenance
	StageStorage
	StageTelemetry
)

func (s Stage) String() string {
	switch s {
	case StageIngress:
		return "ingress"
	case StageMaintenance:
		return "maintenance"
	case StageStorage:
		return "storage"
	case StageTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ShutdownCoordinator runs shutdown handlers stage by stage. Within a stage
// handlers run in reverse registration order.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
	done     bool
}

type namedHandler struct {
	stage Stage
	seq   int
	name  string
	fn    func(context.Context) error
}

// Register adds a shutdown handler to a stage.
func (s *ShutdownCoordinator) Register(stage Stage, name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{stage: stage, seq: len(s.handlers), name: name, fn: fn})
}

// RegisterCloser adds a handler for a component that closes without a
// context, such as a store backend.
func (s *ShutdownCoordinator) RegisterCloser(stage Stage, name string, c interface{ Close() error }) {
	s.Register(stage, name, func(context.Context) error { return c.Close() })
}

// Shutdown runs every handler once. Later calls return nil. A failing
// handler does not stop the rest; all errors are joined.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		if handlers[i].stage != handlers[j].stage {
			return handlers[i].stage < handlers[j].stage
		}
		return handlers[i].seq > handlers[j].seq
	})

	var errs []error
	for _, h := range handlers {
		start := time.Now()
		err := h.fn(ctx)
		if err != nil {
			slog.Error("shutdown failed", "stage", h.stage, "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", h.stage, h.name, err))
			continue
		}
		slog.Info("shut down", "stage", h.stage, "component", h.name, "duration", time.Since(start))
	}
	return errors.Join(errs...)
}
