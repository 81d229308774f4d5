package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/types"
)

// GraphState is the lifecycle of a camera pipeline.
type GraphState uint32

const (
	// StateStarting: first connect in progress.
	StateStarting GraphState = iota
	// StateRunning: source connected, frames flowing.
	StateRunning
	// StatePending: source lost, reconnecting inside the recovery window.
	StatePending
	// StateFaulted: recovery window elapsed without a reconnect.
	StateFaulted
	// StateStopped: torn down.
	StateStopped
)

func (s GraphState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePending:
		return "pending"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Health is the externally visible snapshot of one graph.
type Health struct {
	CameraID   types.CameraID `json:"camera_id"`
	State      string         `json:"state"`
	Branches   int            `json:"branches"`
	Resolution string         `json:"resolution,omitempty"`
	Codec      string         `json:"codec,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

// Graph is the per-camera pipeline: one source feeding a tee whose outputs
// are branches. Frames flow source -> fan-out -> branch queues -> sinks.
type Graph struct {
	cameraID types.CameraID
	source   media.Source

	state uint32

	mu       sync.RWMutex
	branches map[types.BranchID]*branch
	track    *media.TrackInfo
	lastErr  error

	recoveryWindow  time.Duration
	teardownTimeout time.Duration
	dispatcher      events.Dispatcher
	logger          *logrus.Entry

	recoveryTimer *time.Timer
	ready         chan struct{}
	readyOnce     sync.Once
	done          chan struct{}
	runErr        error
	cancel        context.CancelFunc
}

type graphOptions struct {
	recoveryWindow  time.Duration
	teardownTimeout time.Duration
	dispatcher      events.Dispatcher
	logger          *logrus.Entry
}

func newGraph(cameraID types.CameraID, src media.Source, opts graphOptions) *Graph {
	return &Graph{
		cameraID:        cameraID,
		source:          src,
		branches:        make(map[types.BranchID]*branch),
		recoveryWindow:  opts.recoveryWindow,
		teardownTimeout: opts.teardownTimeout,
		dispatcher:      opts.dispatcher,
		logger:          opts.logger.WithField("camera_id", cameraID),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// start launches the source and blocks until the first frame source is
// negotiated or the connect fails.
func (g *Graph) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	sentry.GoWithContext(runCtx, func(ctx context.Context) {
		err := g.source.Run(ctx, g)
		g.mu.Lock()
		g.runErr = err
		g.mu.Unlock()
		if ctx.Err() == nil && err != nil {
			g.setState(StateFaulted)
		}
		close(g.done)
	})

	select {
	case <-g.ready:
		g.setState(StateRunning)
		return nil
	case <-g.done:
		g.setState(StateFaulted)
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop tears down all branches and the source.
func (g *Graph) stop() {
	if !g.casState(StateStopped) {
		return
	}
	g.cancel()
	<-g.done

	g.mu.Lock()
	if g.recoveryTimer != nil {
		g.recoveryTimer.Stop()
	}
	branches := make([]*branch, 0, len(g.branches))
	for _, b := range g.branches {
		branches = append(branches, b)
	}
	g.branches = make(map[types.BranchID]*branch)
	g.mu.Unlock()

	for _, b := range branches {
		if !b.stop(g.teardownTimeout) {
			g.logger.WithField("branch_id", b.id).Warn("branch did not drain before teardown timeout")
		}
	}
	g.logger.Info("pipeline graph stopped")
}

func (g *Graph) State() GraphState {
	return GraphState(atomic.LoadUint32(&g.state))
}

func (g *Graph) setState(s GraphState) {
	old := GraphState(atomic.SwapUint32(&g.state, uint32(s)))
	if old != s {
		metrics.GraphStateTransitions.WithLabelValues(string(g.cameraID), s.String()).Inc()
	}
}

// casState moves to s unless already stopped.
func (g *Graph) casState(s GraphState) bool {
	for {
		old := atomic.LoadUint32(&g.state)
		if GraphState(old) == StateStopped {
			return false
		}
		if atomic.CompareAndSwapUint32(&g.state, old, uint32(s)) {
			if GraphState(old) != s {
				metrics.GraphStateTransitions.WithLabelValues(string(g.cameraID), s.String()).Inc()
			}
			return true
		}
	}
}

// Track returns the currently negotiated video track, nil before connect.
func (g *Graph) Track() *media.TrackInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.track
}

// AddBranch attaches a sink behind a new tee output. The sink immediately
// receives the current track.
func (g *Graph) AddBranch(id types.BranchID, sink Sink, policy QueuePolicy) error {
	switch g.State() {
	case StateFaulted:
		return errs.E(errs.StreamUnavailable, "camera %s pipeline is faulted", g.cameraID)
	case StateStopped:
		return errs.E(errs.StreamUnavailable, "camera %s pipeline is stopped", g.cameraID)
	}

	g.mu.Lock()
	if _, ok := g.branches[id]; ok {
		g.mu.Unlock()
		return errs.E(errs.Conflict, "branch %s already attached", id)
	}
	b := newBranch(id, g.cameraID, sink, policy)
	g.branches[id] = b
	track := g.track
	g.mu.Unlock()

	if track != nil {
		sink.OnTrack(track)
	}
	g.logger.WithField("branch_id", id).Debug("branch attached")
	return nil
}

// RemoveBranch detaches a branch and waits for its queue to drain, bounded
// by the teardown timeout. Removing an unknown branch is an error.
func (g *Graph) RemoveBranch(id types.BranchID) error {
	g.mu.Lock()
	b, ok := g.branches[id]
	if !ok {
		g.mu.Unlock()
		return errs.E(errs.NotFound, "branch %s not attached", id)
	}
	delete(g.branches, id)
	g.mu.Unlock()

	if !b.stop(g.teardownTimeout) {
		g.logger.WithField("branch_id", id).Warn("branch did not drain before teardown timeout")
	}
	g.logger.WithField("branch_id", id).Debug("branch detached")
	return nil
}

// BranchCount reports the number of attached branches.
func (g *Graph) BranchCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.branches)
}

// Health snapshots the graph for the status endpoint.
func (g *Graph) Health() *Health {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h := &Health{
		CameraID: g.cameraID,
		State:    g.State().String(),
		Branches: len(g.branches),
	}
	if g.track != nil {
		h.Resolution = g.track.Resolution()
		h.Codec = g.track.Codec
	}
	if g.lastErr != nil {
		h.LastError = g.lastErr.Error()
	}
	return h
}

// --- media.SourceHandler ---

func (g *Graph) OnTrack(info *media.TrackInfo) {
	g.mu.Lock()
	g.track = info
	branches := g.snapshotLocked()
	g.mu.Unlock()

	for _, b := range branches {
		b.sink.OnTrack(info)
	}
	g.readyOnce.Do(func() { close(g.ready) })
}

func (g *Graph) OnAccessUnit(au *media.AccessUnit) {
	g.mu.RLock()
	branches := g.snapshotLocked()
	g.mu.RUnlock()

	// Enqueue outside the lock; a no-leak branch may block here.
	for _, b := range branches {
		b.enqueue(au)
	}
}

func (g *Graph) OnSourceLost(err error) {
	if !g.casState(StatePending) {
		return
	}
	g.mu.Lock()
	g.lastErr = err
	if g.recoveryTimer != nil {
		g.recoveryTimer.Stop()
	}
	g.recoveryTimer = time.AfterFunc(g.recoveryWindow, g.recoveryExpired)
	g.mu.Unlock()

	if g.dispatcher != nil {
		g.dispatcher.DispatchEvent(events.NewEvent(events.SourceLost, g.cameraID))
	}
}

func (g *Graph) OnSourceRecovered() {
	g.mu.Lock()
	if g.recoveryTimer != nil {
		g.recoveryTimer.Stop()
		g.recoveryTimer = nil
	}
	g.lastErr = nil
	g.mu.Unlock()

	g.casState(StateRunning)
	if g.dispatcher != nil {
		g.dispatcher.DispatchEvent(events.NewEvent(events.SourceRecovered, g.cameraID))
	}
}

func (g *Graph) recoveryExpired() {
	if !atomic.CompareAndSwapUint32(&g.state, uint32(StatePending), uint32(StateFaulted)) {
		return
	}
	metrics.GraphStateTransitions.WithLabelValues(string(g.cameraID), StateFaulted.String()).Inc()
	g.logger.Warn("source did not recover inside the recovery window, graph faulted")
}

func (g *Graph) snapshotLocked() []*branch {
	out := make([]*branch, 0, len(g.branches))
	for _, b := range g.branches {
		out = append(out, b)
	}
	return out
}
