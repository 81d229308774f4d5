package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/pkg/errs"
)

var testTrack = &media.TrackInfo{
	SPS: []byte{0x67, 0x64, 0x00, 0x28}, PPS: []byte{0x68, 0xeb},
	Width: 1920, Height: 1080, Codec: "avc1.640028", ClockRate: 90000,
}

// fakeSource drives the graph from the test instead of a camera.
type fakeSource struct {
	connectErr error

	mu      sync.Mutex
	handler media.SourceHandler
	started chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{started: make(chan struct{})}
}

func (f *fakeSource) Run(ctx context.Context, h media.SourceHandler) error {
	if f.connectErr != nil {
		return errs.Wrap(errs.SourceUnreachable, f.connectErr, "connect failed")
	}
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	h.OnTrack(testTrack)
	close(f.started)
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) emit(au *media.AccessUnit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler.OnAccessUnit(au)
}

func (f *fakeSource) lose(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler.OnSourceLost(err)
}

func (f *fakeSource) recover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler.OnSourceRecovered()
}

// collectSink records everything a branch delivers.
type collectSink struct {
	mu     sync.Mutex
	tracks []*media.TrackInfo
	units  []*media.AccessUnit
	closed bool
}

func (c *collectSink) OnTrack(info *media.TrackInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, info)
}

func (c *collectSink) OnAccessUnit(au *media.AccessUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, au)
}

func (c *collectSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *collectSink) unitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}

func (c *collectSink) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testConfig() *configs.Config {
	cfg := configs.NewConfig()
	cfg.Pipeline.SourceRecoveryWindowSeconds = 1
	cfg.Pipeline.BranchTeardownTimeoutSeconds = 1
	return cfg
}

func startEngine(t *testing.T) Engine {
	t.Helper()
	e := NewEngine(context.Background(), testConfig())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestEnsureGraphIdempotent(t *testing.T) {
	e := startEngine(t)
	src := newFakeSource()
	factory := func() (media.Source, error) { return src, nil }

	g1, err := e.EnsureGraph(context.Background(), "cam1", factory)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, g1.State())
	require.NotNil(t, g1.Track())
	assert.Equal(t, "avc1.640028", g1.Track().Codec)

	g2, err := e.EnsureGraph(context.Background(), "cam1", func() (media.Source, error) {
		t.Fatal("factory must not run for a live graph")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, g1, g2)
}

func TestEnsureGraphConnectFailure(t *testing.T) {
	e := startEngine(t)
	src := newFakeSource()
	src.connectErr = errors.New("connection refused")

	_, err := e.EnsureGraph(context.Background(), "cam1", func() (media.Source, error) { return src, nil })
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.SourceUnreachable))

	_, err = e.GetGraph("cam1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestBranchFanOut(t *testing.T) {
	e := startEngine(t)
	src := newFakeSource()
	g, err := e.EnsureGraph(context.Background(), "cam1", func() (media.Source, error) { return src, nil })
	require.NoError(t, err)

	rec := &collectSink{}
	live := &collectSink{}
	require.NoError(t, g.AddBranch("rec", rec, QueueNoLeak))
	require.NoError(t, g.AddBranch("live", live, QueueLeaky))
	assert.Equal(t, 2, g.BranchCount())

	// Both sinks got the current track on attach.
	assert.Len(t, rec.tracks, 1)
	assert.Len(t, live.tracks, 1)

	assert.True(t, errs.IsKind(g.AddBranch("rec", &collectSink{}, QueueNoLeak), errs.Conflict))

	for i := 0; i < 5; i++ {
		src.emit(&media.AccessUnit{PTS: time.Duration(i) * time.Second, Units: [][]byte{{0x65}}})
	}
	require.Eventually(t, func() bool {
		return rec.unitCount() == 5 && live.unitCount() == 5
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.RemoveBranch("live"))
	assert.True(t, live.isClosed())
	assert.True(t, errs.IsKind(g.RemoveBranch("live"), errs.NotFound))
	assert.Equal(t, 1, g.BranchCount())
}

func TestSourceLossAndRecovery(t *testing.T) {
	e := startEngine(t)
	src := newFakeSource()
	g, err := e.EnsureGraph(context.Background(), "cam1", func() (media.Source, error) { return src, nil })
	require.NoError(t, err)

	src.lose(errors.New("read timeout"))
	assert.Equal(t, StatePending, g.State())

	src.recover()
	assert.Equal(t, StateRunning, g.State())
	assert.Empty(t, g.Health().LastError)
}

func TestRecoveryWindowExpiryFaultsGraph(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.SourceRecoveryWindowSeconds = 0 // expires immediately
	e := NewEngine(context.Background(), cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Close(context.Background()) })

	src := newFakeSource()
	g, err := e.EnsureGraph(context.Background(), "cam1", func() (media.Source, error) { return src, nil })
	require.NoError(t, err)

	src.lose(errors.New("gone"))
	require.Eventually(t, func() bool {
		return g.State() == StateFaulted
	}, time.Second, 5*time.Millisecond)

	err = g.AddBranch("b", &collectSink{}, QueueNoLeak)
	assert.True(t, errs.IsKind(err, errs.StreamUnavailable))

	health := g.Health()
	assert.Equal(t, "faulted", health.State)
	assert.Equal(t, "gone", health.LastError)
}

func TestReleaseGraphOnlyWhenIdle(t *testing.T) {
	e := startEngine(t)
	src := newFakeSource()
	g, err := e.EnsureGraph(context.Background(), "cam1", func() (media.Source, error) { return src, nil })
	require.NoError(t, err)
	require.NoError(t, g.AddBranch("rec", &collectSink{}, QueueNoLeak))

	e.ReleaseGraph("cam1")
	_, err = e.GetGraph("cam1")
	require.NoError(t, err, "graph with branches must survive release")

	require.NoError(t, g.RemoveBranch("rec"))
	e.ReleaseGraph("cam1")
	_, err = e.GetGraph("cam1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
	assert.Equal(t, StateStopped, g.State())
}

func TestLeakyBranchDropsInsteadOfBlocking(t *testing.T) {
	release := make(chan struct{})
	blocking := &blockingSink{release: release}
	b := newBranch("live", "cam1", blocking, QueueLeaky)

	// Fill well past the queue depth; enqueue must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < branchQueueDepth*3; i++ {
			b.enqueue(&media.AccessUnit{Units: [][]byte{{0x41}}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("leaky enqueue blocked")
	}

	close(release)
	require.True(t, b.stop(time.Second))
	assert.Less(t, blocking.count(), branchQueueDepth*3)
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (s *blockingSink) OnTrack(*media.TrackInfo) {}

func (s *blockingSink) OnAccessUnit(*media.AccessUnit) {
	<-s.release
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *blockingSink) Close() {}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
