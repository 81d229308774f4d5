// Package engine owns the per-camera pipeline graphs: one RTSP source feeding
// a tee whose branches carry frames to recorders and live-view sessions.
package engine

import (
	"context"
	"sync"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/types"
)

// Engine manages the set of live pipeline graphs, one per camera with at
// least one consumer.
type Engine interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)

	// EnsureGraph returns the camera's graph, building and connecting it on
	// first use. A faulted graph is rebuilt. The sourceFactory is only
	// invoked when a new graph is needed.
	EnsureGraph(ctx context.Context, cameraID types.CameraID, sourceFactory func() (media.Source, error)) (*Graph, error)
	// GetGraph returns the existing graph without building one.
	GetGraph(cameraID types.CameraID) (*Graph, error)
	// ReleaseGraph tears the graph down if it has no remaining branches.
	ReleaseGraph(cameraID types.CameraID)
	// Healths snapshots every live graph.
	Healths() []*Health
}

func NewEngine(ctx context.Context, cfg *configs.Config) Engine {
	e := &engine{
		cfg:    cfg,
		graphs: make(map[types.CameraID]*Graph),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.Engine = e
	}
	return e
}

type engine struct {
	cfg *configs.Config

	mu     sync.RWMutex
	graphs map[types.CameraID]*Graph

	dispatcher events.Dispatcher
}

func (e *engine) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	if inst != nil && inst.EventDispatcher != nil {
		e.dispatcher = inst.EventDispatcher.(events.Dispatcher)
	}
	return nil
}

func (e *engine) Close(ctx context.Context) {
	e.mu.Lock()
	graphs := make([]*Graph, 0, len(e.graphs))
	for _, g := range e.graphs {
		graphs = append(graphs, g)
	}
	e.graphs = make(map[types.CameraID]*Graph)
	e.mu.Unlock()

	for _, g := range graphs {
		g.stop()
	}
}

func (e *engine) EnsureGraph(ctx context.Context, cameraID types.CameraID, sourceFactory func() (media.Source, error)) (*Graph, error) {
	e.mu.RLock()
	g, ok := e.graphs[cameraID]
	e.mu.RUnlock()
	if ok && g.State() != StateFaulted {
		return g, nil
	}

	e.mu.Lock()
	g, ok = e.graphs[cameraID]
	if ok && g.State() != StateFaulted {
		e.mu.Unlock()
		return g, nil
	}
	if ok {
		// Rebuild a faulted graph from scratch.
		delete(e.graphs, cameraID)
		e.mu.Unlock()
		g.stop()
		e.mu.Lock()
	}

	src, err := sourceFactory()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	g = newGraph(cameraID, src, graphOptions{
		recoveryWindow:  e.cfg.Pipeline.SourceRecoveryWindow(),
		teardownTimeout: e.cfg.Pipeline.BranchTeardownTimeout(),
		dispatcher:      e.dispatcher,
		logger:          log.GetLogger().WithField("component", "engine"),
	})
	e.graphs[cameraID] = g
	e.mu.Unlock()

	if err := g.start(ctx); err != nil {
		e.mu.Lock()
		delete(e.graphs, cameraID)
		e.mu.Unlock()
		g.stop()
		return nil, err
	}
	return g, nil
}

func (e *engine) GetGraph(cameraID types.CameraID) (*Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.graphs[cameraID]
	if !ok {
		return nil, errs.E(errs.NotFound, "camera %s has no live pipeline", cameraID)
	}
	return g, nil
}

func (e *engine) ReleaseGraph(cameraID types.CameraID) {
	e.mu.Lock()
	g, ok := e.graphs[cameraID]
	if !ok || g.BranchCount() > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.graphs, cameraID)
	e.mu.Unlock()
	g.stop()
}

func (e *engine) Healths() []*Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Health, 0, len(e.graphs))
	for _, g := range e.graphs {
		out = append(out, g.Health())
	}
	return out
}
