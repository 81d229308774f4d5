package engine

import (
	"time"

	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/types"
)

// Sink consumes the output of one graph branch. OnTrack is called before the
// first access unit and again after every reconnect or parameter change.
// Close is called exactly once, after the queue has drained.
type Sink interface {
	OnTrack(info *media.TrackInfo)
	OnAccessUnit(au *media.AccessUnit)
	Close()
}

// QueuePolicy selects what happens when a branch consumer falls behind.
type QueuePolicy int

const (
	// QueueNoLeak blocks the producer instead of dropping. Recorder branches
	// use this; losing frames corrupts segments.
	QueueNoLeak QueuePolicy = iota
	// QueueLeaky drops the oldest queued unit to make room. Live-view
	// branches use this; a slow viewer must never stall the tee.
	QueueLeaky
)

const branchQueueDepth = 256

// branch is one tee output: a bounded queue plus the goroutine draining it
// into the sink.
type branch struct {
	id       types.BranchID
	cameraID types.CameraID
	sink     Sink
	policy   QueuePolicy

	ch      chan *media.AccessUnit
	done    chan struct{}
	drained chan struct{}
}

func newBranch(id types.BranchID, cameraID types.CameraID, sink Sink, policy QueuePolicy) *branch {
	b := &branch{
		id:       id,
		cameraID: cameraID,
		sink:     sink,
		policy:   policy,
		ch:       make(chan *media.AccessUnit, branchQueueDepth),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	sentry.Go(b.run)
	return b
}

func (b *branch) run() {
	defer close(b.drained)
	defer b.sink.Close()
	for {
		select {
		case au := <-b.ch:
			b.sink.OnAccessUnit(au)
		case <-b.done:
			for {
				select {
				case au := <-b.ch:
					b.sink.OnAccessUnit(au)
				default:
					return
				}
			}
		}
	}
}

// enqueue is called by the graph fan-out. It must never be called while the
// graph lock is held; a no-leak branch can block here.
func (b *branch) enqueue(au *media.AccessUnit) {
	switch b.policy {
	case QueueNoLeak:
		select {
		case b.ch <- au:
		case <-b.done:
		}
	case QueueLeaky:
		select {
		case b.ch <- au:
			return
		default:
		}
		select {
		case <-b.ch:
			metrics.DroppedLiveBuffers.WithLabelValues(string(b.cameraID)).Inc()
		default:
		}
		select {
		case b.ch <- au:
		default:
		}
	}
}

// stop signals teardown and waits for the queue to drain, bounded by timeout.
func (b *branch) stop(timeout time.Duration) bool {
	close(b.done)
	select {
	case <-b.drained:
		return true
	case <-time.After(timeout):
		return false
	}
}
