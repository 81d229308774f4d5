package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "camnvr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCamera(t *testing.T, s *SQLiteStore, id types.CameraID) {
	t.Helper()
	require.NoError(t, s.CreateCamera(context.Background(), &Camera{
		ID:      id,
		Name:    "front door",
		Address: "10.0.0.5",
	}))
}

func seedStream(t *testing.T, s *SQLiteStore, id types.StreamID, cam types.CameraID, role types.StreamRole) {
	t.Helper()
	require.NoError(t, s.CreateStream(context.Background(), &Stream{
		ID:       id,
		CameraID: cam,
		Role:     role,
		URL:      "rtsp://10.0.0.5/stream1",
		Codec:    "h264",
	}))
}

func TestCameraCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")

	got, err := s.GetCamera(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, "front door", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	got.Name = "back door"
	got.RetentionDays = 14
	require.NoError(t, s.UpdateCamera(ctx, got))

	got, err = s.GetCamera(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, "back door", got.Name)
	assert.Equal(t, 14, got.RetentionDays)

	list, err := s.ListCameras(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteCamera(ctx, "cam1"))
	_, err = s.GetCamera(ctx, "cam1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
	assert.True(t, errs.IsKind(s.DeleteCamera(ctx, "cam1"), errs.NotFound))
}

func TestSinglePrimaryStreamPerCamera(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)
	seedStream(t, s, "st2", "cam1", types.StreamSub)

	err := s.CreateStream(ctx, &Stream{
		ID:       "st3",
		CameraID: "cam1",
		Role:     types.StreamPrimary,
		URL:      "rtsp://10.0.0.5/stream3",
	})
	assert.True(t, errs.IsKind(err, errs.StoreUnavailable))

	primary, err := s.PrimaryStream(ctx, "cam1")
	require.NoError(t, err)
	assert.Equal(t, types.StreamID("st1"), primary.ID)

	streams, err := s.ListStreams(ctx, "cam1")
	require.NoError(t, err)
	assert.Len(t, streams, 2)
}

func TestDeleteCameraCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)
	require.NoError(t, s.InsertParentRecording(ctx, &Recording{
		ID: "rec1", CameraID: "cam1", StreamID: "st1",
		StartTime: time.Now().UTC(), FilePath: "/rec/cam1", Format: "mp4",
		EventType: types.EventContinuous,
	}))

	require.NoError(t, s.DeleteCamera(ctx, "cam1"))

	_, err := s.GetStream(ctx, "st1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
	_, err = s.GetRecording(ctx, "rec1")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestAppendSegmentUpdatesParentTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)

	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, s.InsertParentRecording(ctx, &Recording{
		ID: "rec1", CameraID: "cam1", StreamID: "st1",
		StartTime: start, FilePath: "/rec/cam1/2026/03/14/09",
		Format: "mp4", EventType: types.EventContinuous,
	}))

	parent := types.RecordingID("rec1")
	for i := 0; i < 3; i++ {
		segID := i
		end := start.Add(time.Duration(i+1) * 5 * time.Minute)
		require.NoError(t, s.AppendSegment(ctx, &Recording{
			ID: types.RecordingID("seg" + string(rune('a'+i))), CameraID: "cam1", StreamID: "st1",
			ParentID: &parent, SegmentID: &segID,
			StartTime: start.Add(time.Duration(i) * 5 * time.Minute), EndTime: &end,
			FilePath: "/rec/cam1/seg.mp4", FileSize: 1000, Duration: 5 * time.Minute,
			Format: "mp4", EventType: types.EventContinuous,
		}))
	}

	got, err := s.GetRecording(ctx, "rec1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.FileSize)
	assert.Equal(t, 15*time.Minute, got.Duration)
	assert.Nil(t, got.EndTime)
	assert.True(t, got.IsParent())

	segs, err := s.SegmentsOf(ctx, "rec1")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	for i, seg := range segs {
		assert.Equal(t, i, *seg.SegmentID)
	}

	// Same (parent, segment_id) twice must be rejected.
	dup := 0
	err = s.AppendSegment(ctx, &Recording{
		ID: "segdup", CameraID: "cam1", StreamID: "st1",
		ParentID: &parent, SegmentID: &dup,
		StartTime: start, FilePath: "/rec/x.mp4", Format: "mp4",
		EventType: types.EventContinuous,
	})
	assert.True(t, errs.IsKind(err, errs.StoreUnavailable))

	// A failed append must not change the parent totals.
	got, err = s.GetRecording(ctx, "rec1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.FileSize)
}

func TestCloseRecording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)

	start := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.InsertParentRecording(ctx, &Recording{
		ID: "rec1", CameraID: "cam1", StreamID: "st1",
		StartTime: start, FilePath: "/rec", Format: "mp4", EventType: types.EventManual,
	}))

	active, err := s.ActiveRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	end := start.Add(time.Hour)
	require.NoError(t, s.CloseRecording(ctx, "rec1", end))

	got, err := s.GetRecording(ctx, "rec1")
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, end.UnixMilli(), got.EndTime.UnixMilli())

	// Closing twice finds no open row.
	assert.True(t, errs.IsKind(s.CloseRecording(ctx, "rec1", end), errs.NotFound))

	active, err = s.ActiveRecordings(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSearchRecordings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedCamera2 := types.CameraID("cam2")
	seedCamera(t, s, seedCamera2)
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)
	seedStream(t, s, "st2", "cam2", types.StreamPrimary)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insert := func(id types.RecordingID, cam types.CameraID, st types.StreamID, at time.Time, et types.EventType) {
		require.NoError(t, s.InsertParentRecording(ctx, &Recording{
			ID: id, CameraID: cam, StreamID: st,
			StartTime: at, FilePath: "/rec/" + string(id), Format: "mp4", EventType: et,
		}))
	}
	insert("r1", "cam1", "st1", base, types.EventContinuous)
	insert("r2", "cam1", "st1", base.Add(time.Hour), types.EventMotion)
	insert("r3", "cam2", "st2", base.Add(2*time.Hour), types.EventContinuous)

	got, err := s.SearchRecordings(ctx, RecordingFilter{CameraID: "cam1", ParentsOnly: true}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, types.RecordingID("r2"), got[0].ID)

	got, err = s.SearchRecordings(ctx, RecordingFilter{EventType: types.EventMotion}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.RecordingID("r2"), got[0].ID)

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	got, err = s.SearchRecordings(ctx, RecordingFilter{Start: &from, End: &to}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.RecordingID("r2"), got[0].ID)

	got, err = s.SearchRecordings(ctx, RecordingFilter{ParentsOnly: true}, 2, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.RecordingID("r2"), got[0].ID)
	assert.Equal(t, types.RecordingID("r1"), got[1].ID)
}

func TestRetentionQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []types.RecordingID{"old", "mid", "new"} {
		start := base.AddDate(0, 0, i*10)
		end := start.Add(time.Hour)
		require.NoError(t, s.InsertParentRecording(ctx, &Recording{
			ID: id, CameraID: "cam1", StreamID: "st1",
			StartTime: start, EndTime: &end, FilePath: "/rec/" + string(id),
			Format: "mp4", EventType: types.EventContinuous,
		}))
	}
	// Still-open recordings are never retention candidates.
	require.NoError(t, s.InsertParentRecording(ctx, &Recording{
		ID: "open", CameraID: "cam1", StreamID: "st1",
		StartTime: base, FilePath: "/rec/open", Format: "mp4",
		EventType: types.EventContinuous,
	}))

	old, err := s.ParentsOlderThan(ctx, base.AddDate(0, 0, 15))
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, types.RecordingID("old"), old[0].ID)

	oldest, err := s.OldestParents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, types.RecordingID("old"), oldest[0].ID)
}

func TestTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)

	start := time.Now().UTC()
	end := start.Add(time.Minute)
	require.NoError(t, s.InsertParentRecording(ctx, &Recording{
		ID: "rec1", CameraID: "cam1", StreamID: "st1",
		StartTime: start, EndTime: &end, FilePath: "/rec/rec1", Format: "mp4",
		EventType: types.EventContinuous,
	}))
	parent := types.RecordingID("rec1")
	segID := 0
	require.NoError(t, s.AppendSegment(ctx, &Recording{
		ID: "seg1", CameraID: "cam1", StreamID: "st1",
		ParentID: &parent, SegmentID: &segID,
		StartTime: start, FilePath: "/rec/rec1/seg.mp4", Format: "mp4",
		EventType: types.EventContinuous,
	}))

	require.NoError(t, s.TombstoneRecording(ctx, "rec1"))

	// Tombstoned rows disappear from search and segment listings.
	got, err := s.SearchRecordings(ctx, RecordingFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	segs, err := s.SegmentsOf(ctx, "rec1")
	require.NoError(t, err)
	assert.Empty(t, segs)

	pending, err := s.TombstonedRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.RecordingID("rec1"), pending[0].ID)

	require.NoError(t, s.DeleteRecording(ctx, "rec1"))
	pending, err = s.TombstonedRecordings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")
	seedStream(t, s, "st1", "cam1", types.StreamPrimary)

	sc := &RecordingSchedule{
		ID: "sch1", CameraID: "cam1", StreamID: "st1",
		DaysOfWeek: []int{1, 2, 3, 4, 5},
		StartTime:  "08:00", EndTime: "18:00",
		Enabled:             true,
		ContinuousRecording: true,
		RecordOnMotion:      true,
	}
	require.NoError(t, s.CreateSchedule(ctx, sc))

	got, err := s.GetSchedule(ctx, "sch1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got.DaysOfWeek)
	assert.True(t, got.ContinuousRecording)
	assert.True(t, got.EventFlagFor(types.EventMotion))
	assert.False(t, got.EventFlagFor(types.EventAudio))

	got.EndTime = "20:00"
	got.Enabled = false
	require.NoError(t, s.UpdateSchedule(ctx, got))

	enabled, err := s.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, s.SetScheduleEnabled(ctx, "sch1", true))
	enabled, err = s.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "20:00", enabled[0].EndTime)

	all, err := s.ListSchedules(ctx, "cam1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteSchedule(ctx, "sch1"))
	assert.True(t, errs.IsKind(s.SetScheduleEnabled(ctx, "sch1", false), errs.NotFound))
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCamera(t, s, "cam1")

	start := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.InsertEvent(ctx, &Event{
		ID: "ev1", CameraID: "cam1", Type: types.EventMotion,
		Severity: "info", StartTime: start, Confidence: 0.92,
		Metadata: `{"region":"driveway"}`,
	}))

	open, err := s.OpenEvents(ctx, "cam1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 0.92, open[0].Confidence)

	require.NoError(t, s.CloseEvent(ctx, "ev1", start.Add(10*time.Second)))
	open, err = s.OpenEvents(ctx, "cam1")
	require.NoError(t, err)
	assert.Empty(t, open)

	since, err := s.EventsSince(ctx, "cam1", start.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.NotNil(t, since[0].EndTime)

	assert.True(t, errs.IsKind(s.CloseEvent(ctx, "ev1", start), errs.NotFound))
}
