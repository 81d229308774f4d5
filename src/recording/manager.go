// Package recording starts and stops per-camera recordings, cuts the video
// into segment files and keeps the metadata rows in step with the bytes on
// disk.
package recording

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/engine"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/media/rtsp"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

const (
	segmentRetryInterval = 30 * time.Second
	segmentRetryLimit    = 10
	segmentQueueLimit    = 256
)

// metaStore is the slice of the store the manager needs.
type metaStore interface {
	GetCamera(ctx context.Context, id types.CameraID) (*store.Camera, error)
	PrimaryStream(ctx context.Context, cameraID types.CameraID) (*store.Stream, error)
	InsertParentRecording(ctx context.Context, r *store.Recording) error
	AppendSegment(ctx context.Context, seg *store.Recording) error
	CloseRecording(ctx context.Context, id types.RecordingID, endTime time.Time) error
	UpdateRecordingEventType(ctx context.Context, id types.RecordingID, t types.EventType) error
	DeleteRecording(ctx context.Context, id types.RecordingID) error
	ActiveRecordings(ctx context.Context) ([]*store.Recording, error)
	SegmentsOf(ctx context.Context, parentID types.RecordingID) ([]*store.Recording, error)
}

// branchGraph is the slice of a pipeline graph the manager drives.
type branchGraph interface {
	Track() *media.TrackInfo
	AddBranch(id types.BranchID, sink engine.Sink, policy engine.QueuePolicy) error
	RemoveBranch(id types.BranchID) error
}

// pipeline is the slice of the engine the manager drives.
type pipeline interface {
	EnsureGraph(ctx context.Context, cameraID types.CameraID, sourceFactory func() (media.Source, error)) (branchGraph, error)
	GetGraph(cameraID types.CameraID) (branchGraph, error)
	ReleaseGraph(cameraID types.CameraID)
}

type enginePipeline struct {
	eng engine.Engine
}

func (p enginePipeline) EnsureGraph(ctx context.Context, cameraID types.CameraID, sourceFactory func() (media.Source, error)) (branchGraph, error) {
	g, err := p.eng.EnsureGraph(ctx, cameraID, sourceFactory)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (p enginePipeline) GetGraph(cameraID types.CameraID) (branchGraph, error) {
	g, err := p.eng.GetGraph(cameraID)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (p enginePipeline) ReleaseGraph(cameraID types.CameraID) { p.eng.ReleaseGraph(cameraID) }

// Active describes one in-flight recording.
type Active struct {
	RecordingID types.RecordingID `json:"recording_id"`
	CameraID    types.CameraID    `json:"camera_id"`
	StreamID    types.StreamID    `json:"stream_id"`
	EventType   types.EventType   `json:"event_type"`
	ScheduleID  *types.ScheduleID `json:"schedule_id,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	branchID    types.BranchID

	// starting marks a camera reserved while the source is still
	// connecting. The entry blocks concurrent starts but cannot be
	// stopped yet.
	starting bool
}

// ScheduleOwned reports whether the schedule evaluator controls this
// recording's lifetime. Manual recordings are left alone.
func (a *Active) ScheduleOwned() bool { return a.ScheduleID != nil }

// Manager is the recording control plane.
type Manager interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)

	// StartRecording begins recording the camera's primary stream. If the
	// camera is already recording, the existing ID is returned together
	// with a Conflict error.
	StartRecording(ctx context.Context, cameraID types.CameraID, eventType types.EventType, scheduleID *types.ScheduleID) (types.RecordingID, error)
	StopRecording(ctx context.Context, recordingID types.RecordingID) error
	// SetEventType relabels an active recording, e.g. when a motion burst
	// lands inside a continuous window.
	SetEventType(ctx context.Context, recordingID types.RecordingID, eventType types.EventType) error
	ActiveFor(cameraID types.CameraID) (*Active, bool)
	ListActive() []*Active
}

// diskUsage is swappable in tests.
type diskUsage func(path string) (usedPercent float64, err error)

func gopsutilUsage(path string) (float64, error) {
	st, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return st.UsedPercent, nil
}

func NewManager(ctx context.Context) Manager {
	m := &manager{
		active: make(map[types.CameraID]*Active),
		usage:  gopsutilUsage,
		done:   make(chan struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.RecordingManager = m
	}
	return m
}

// pendingSegment is a finalized segment file whose metadata insert failed.
type pendingSegment struct {
	row      *store.Recording
	attempts int
}

type manager struct {
	cfg        *configs.Config
	db         metaStore
	eng        pipeline
	dispatcher events.Dispatcher
	logger     *logrus.Entry
	usage      diskUsage

	mu     sync.Mutex
	active map[types.CameraID]*Active
	byID   map[types.RecordingID]types.CameraID

	pendingMu sync.Mutex
	pending   []pendingSegment

	cancel context.CancelFunc
	done   chan struct{}
}

func (m *manager) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	m.cfg = configs.GetCurrentConfig()
	m.db = inst.Store.(metaStore)
	m.eng = enginePipeline{eng: inst.Engine.(engine.Engine)}
	if inst.EventDispatcher != nil {
		m.dispatcher = inst.EventDispatcher.(events.Dispatcher)
	}
	m.logger = log.GetLogger().WithField("component", "recording")
	m.byID = make(map[types.RecordingID]types.CameraID)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	sentry.Go(func() { m.retryLoop(runCtx) })

	return m.closeStaleRows(ctx)
}

// closeStaleRows closes parent rows a previous process left open after a
// crash. The end time is taken from the last finished segment.
func (m *manager) closeStaleRows(ctx context.Context) error {
	stale, err := m.db.ActiveRecordings(ctx)
	if err != nil {
		return err
	}
	for _, r := range stale {
		end := r.StartTime
		segs, err := m.db.SegmentsOf(ctx, r.ID)
		if err == nil && len(segs) > 0 {
			last := segs[len(segs)-1]
			if last.EndTime != nil {
				end = *last.EndTime
			} else {
				end = last.StartTime
			}
		}
		if err := m.db.CloseRecording(ctx, r.ID, end); err != nil {
			m.logger.WithError(err).WithField("recording_id", r.ID).Warn("failed to close stale recording row")
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"recording_id": r.ID,
			"end_time":     end,
		}).Info("closed recording row left open by a previous run")
	}
	return nil
}

func (m *manager) Close(ctx context.Context) {
	for _, a := range m.ListActive() {
		if err := m.StopRecording(ctx, a.RecordingID); err != nil {
			m.logger.WithError(err).WithField("recording_id", a.RecordingID).Warn("failed to stop recording on shutdown")
		}
	}
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *manager) StartRecording(ctx context.Context, cameraID types.CameraID, eventType types.EventType, scheduleID *types.ScheduleID) (types.RecordingID, error) {
	if !eventType.Valid() {
		return "", errs.E(errs.ValidationError, "unknown event type %q", eventType)
	}

	recordingID := types.RecordingID(uuid.NewV4().String())
	now := time.Now().UTC()

	// Reserve the camera before the slow path below. Connecting the source
	// can take seconds; without the reservation a concurrent start would
	// pass the duplicate check and record the camera twice.
	m.mu.Lock()
	if a, ok := m.active[cameraID]; ok {
		id := a.RecordingID
		m.mu.Unlock()
		return id, errs.E(errs.Conflict, "camera %s is already recording as %s", cameraID, id)
	}
	a := &Active{
		RecordingID: recordingID,
		CameraID:    cameraID,
		EventType:   eventType,
		ScheduleID:  scheduleID,
		StartedAt:   now,
		starting:    true,
	}
	m.active[cameraID] = a
	m.byID[recordingID] = cameraID
	m.mu.Unlock()

	unreserve := func() {
		m.mu.Lock()
		delete(m.active, cameraID)
		delete(m.byID, recordingID)
		m.mu.Unlock()
	}

	if used, err := m.usage(m.cfg.Recording.RecordingsRoot); err == nil && used >= float64(m.cfg.Recording.MaxDiskUsagePercent) {
		unreserve()
		return "", errs.E(errs.DiskExhausted, "disk usage %.1f%% is above the %d%% limit", used, m.cfg.Recording.MaxDiskUsagePercent)
	}

	cam, err := m.db.GetCamera(ctx, cameraID)
	if err != nil {
		unreserve()
		return "", err
	}
	stream, err := m.db.PrimaryStream(ctx, cameraID)
	if err != nil {
		unreserve()
		return "", err
	}

	g, err := m.eng.EnsureGraph(ctx, cameraID, func() (media.Source, error) {
		u := rtsp.URLWithCredentials(stream.URL, cam.Username, cam.Password)
		return rtsp.NewSource(cameraID, u, m.cfg.Pipeline.SourceConnectTimeout(), m.logger.Logger.WithField("component", "rtsp"))
	})
	if err != nil {
		unreserve()
		return "", err
	}

	parent := &store.Recording{
		ID:         recordingID,
		CameraID:   cameraID,
		StreamID:   stream.ID,
		StartTime:  now,
		FilePath:   filepath.Join(m.cfg.Recording.RecordingsRoot, string(cameraID)),
		Format:     "mp4",
		EventType:  eventType,
		ScheduleID: scheduleID,
	}
	if track := g.Track(); track != nil {
		parent.Resolution = track.Resolution()
		parent.Codec = track.Codec
	}
	if err := m.db.InsertParentRecording(ctx, parent); err != nil {
		m.eng.ReleaseGraph(cameraID)
		unreserve()
		return "", err
	}

	seg := newSegmenter(segmenterParams{
		cameraID:  cameraID,
		target:    m.cfg.Recording.SegmentDuration(),
		tolerance: m.cfg.Recording.SegmentOverflowTolerance(),
		pathFor: func(start time.Time, index int) string {
			return SegmentPath(m.cfg.Recording.RecordingsRoot, cameraID, start, index)
		},
		newRowID:  func() types.RecordingID { return types.RecordingID(uuid.NewV4().String()) },
		onSegment: m.segmentDone(recordingID, cameraID, stream.ID, eventType, scheduleID),
		logger:    m.logger,
	})

	branchID := types.BranchID("rec-" + string(recordingID))
	if err := g.AddBranch(branchID, seg, engine.QueueNoLeak); err != nil {
		// The parent row never produced a byte; a delete keeps the failed
		// attempt out of search results.
		if derr := m.db.DeleteRecording(ctx, recordingID); derr != nil {
			m.logger.WithError(derr).WithField("recording_id", recordingID).Warn("failed to delete aborted recording row")
		}
		m.eng.ReleaseGraph(cameraID)
		unreserve()
		return "", err
	}

	m.mu.Lock()
	a.StreamID = stream.ID
	a.branchID = branchID
	a.starting = false
	cp := *a
	m.mu.Unlock()

	metrics.ActiveRecordings.Inc()
	m.logger.WithFields(logrus.Fields{
		"recording_id": recordingID,
		"camera_id":    cameraID,
		"event_type":   eventType,
	}).Info("recording started")
	m.dispatch(events.RecordingStarted, &cp)
	return recordingID, nil
}

// segmentDone persists one finalized segment. It runs on the branch
// goroutine, so it must not call back into the manager lock.
func (m *manager) segmentDone(parentID types.RecordingID, cameraID types.CameraID, streamID types.StreamID, eventType types.EventType, scheduleID *types.ScheduleID) func(seg *completedSegment) {
	return func(seg *completedSegment) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		idx := seg.Index
		end := seg.End
		row := &store.Recording{
			ID:         seg.RowID,
			CameraID:   cameraID,
			StreamID:   streamID,
			ParentID:   &parentID,
			SegmentID:  &idx,
			StartTime:  seg.Start,
			EndTime:    &end,
			FilePath:   seg.Path,
			FileSize:   seg.Size,
			Duration:   seg.Duration,
			Format:     "mp4",
			Resolution: seg.Resolution,
			Codec:      seg.Codec,
			EventType:  eventType,
			ScheduleID: scheduleID,
		}
		if err := m.db.AppendSegment(ctx, row); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"recording_id": parentID,
				"segment_path": seg.Path,
			}).Error("failed to persist segment row, queued for retry")
			m.enqueueSegment(row)
			return
		}
		m.dispatch(events.SegmentCompleted, row)
	}
}

// enqueueSegment queues a segment row whose insert failed. Without the
// retry, the finished file would sit on disk without metadata until the
// orphan sweep destroyed it.
func (m *manager) enqueueSegment(row *store.Recording) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pending) >= segmentQueueLimit {
		drop := m.pending[0]
		m.pending = m.pending[1:]
		m.logger.WithField("segment_path", drop.row.FilePath).Error("segment retry queue full, dropping oldest row")
	}
	m.pending = append(m.pending, pendingSegment{row: row})
}

func (m *manager) retryLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(segmentRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryPendingSegments(ctx)
		}
	}
}

// retryPendingSegments replays queued segment rows against the store. Rows
// that keep failing past the attempt limit are dropped and logged; the file
// itself stays on disk for the orphan sweep to judge.
func (m *manager) retryPendingSegments(ctx context.Context) {
	m.pendingMu.Lock()
	batch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for _, p := range batch {
		if err := m.db.AppendSegment(ctx, p.row); err != nil {
			p.attempts++
			if p.attempts >= segmentRetryLimit {
				m.logger.WithError(err).WithField("segment_path", p.row.FilePath).Error("giving up on segment row after repeated insert failures")
				continue
			}
			m.pendingMu.Lock()
			m.pending = append(m.pending, p)
			m.pendingMu.Unlock()
			continue
		}
		m.logger.WithField("segment_path", p.row.FilePath).Info("segment row persisted on retry")
		m.dispatch(events.SegmentCompleted, p.row)
	}
}

func (m *manager) StopRecording(ctx context.Context, recordingID types.RecordingID) error {
	m.mu.Lock()
	cameraID, ok := m.byID[recordingID]
	if !ok {
		m.mu.Unlock()
		return errs.E(errs.NotFound, "recording %s is not active", recordingID)
	}
	a := m.active[cameraID]
	if a.starting {
		m.mu.Unlock()
		return errs.E(errs.Conflict, "recording %s is still starting", recordingID)
	}
	delete(m.active, cameraID)
	delete(m.byID, recordingID)
	m.mu.Unlock()

	g, err := m.eng.GetGraph(cameraID)
	if err == nil {
		// RemoveBranch drains the queue, which finalizes the tail segment
		// before the parent row is closed.
		if err := g.RemoveBranch(a.branchID); err != nil {
			m.logger.WithError(err).WithField("recording_id", recordingID).Warn("failed to detach recorder branch")
		}
	}
	if err := m.db.CloseRecording(ctx, recordingID, time.Now().UTC()); err != nil {
		return err
	}
	m.eng.ReleaseGraph(cameraID)

	metrics.ActiveRecordings.Dec()
	m.logger.WithFields(logrus.Fields{
		"recording_id": recordingID,
		"camera_id":    cameraID,
	}).Info("recording stopped")
	m.dispatch(events.RecordingStopped, a)
	return nil
}

func (m *manager) SetEventType(ctx context.Context, recordingID types.RecordingID, eventType types.EventType) error {
	if !eventType.Valid() {
		return errs.E(errs.ValidationError, "unknown event type %q", eventType)
	}
	m.mu.Lock()
	cameraID, ok := m.byID[recordingID]
	if !ok {
		m.mu.Unlock()
		return errs.E(errs.NotFound, "recording %s is not active", recordingID)
	}
	a := m.active[cameraID]
	if a.EventType == eventType {
		m.mu.Unlock()
		return nil
	}
	a.EventType = eventType
	m.mu.Unlock()

	if err := m.db.UpdateRecordingEventType(ctx, recordingID, eventType); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"recording_id": recordingID,
		"event_type":   eventType,
	}).Info("recording relabeled")
	return nil
}

func (m *manager) ActiveFor(cameraID types.CameraID) (*Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[cameraID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (m *manager) ListActive() []*Active {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Active, 0, len(m.active))
	for _, a := range m.active {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

func (m *manager) dispatch(t events.EventType, obj interface{}) {
	if m.dispatcher != nil {
		m.dispatcher.DispatchEvent(events.NewEvent(t, obj))
	}
}
