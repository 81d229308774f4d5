package recording

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

// fakeCleanupStore keeps rows in memory so the cleanup logic can be tested
// without sqlite.
type fakeCleanupStore struct {
	cameras    []*store.Camera
	schedules  map[types.ScheduleID]*store.RecordingSchedule
	parents    map[types.RecordingID]*store.Recording
	segments   map[types.RecordingID][]*store.Recording
	tombstoned map[types.RecordingID]bool
	failDelete map[types.RecordingID]bool
	deleted    []types.RecordingID
}

func newFakeCleanupStore() *fakeCleanupStore {
	return &fakeCleanupStore{
		schedules:  make(map[types.ScheduleID]*store.RecordingSchedule),
		parents:    make(map[types.RecordingID]*store.Recording),
		segments:   make(map[types.RecordingID][]*store.Recording),
		tombstoned: make(map[types.RecordingID]bool),
		failDelete: make(map[types.RecordingID]bool),
	}
}

func (f *fakeCleanupStore) ListCameras(context.Context) ([]*store.Camera, error) {
	return f.cameras, nil
}

func (f *fakeCleanupStore) GetSchedule(_ context.Context, id types.ScheduleID) (*store.RecordingSchedule, error) {
	sc, ok := f.schedules[id]
	if !ok {
		return nil, errs.E(errs.NotFound, "schedule %s not found", id)
	}
	return sc, nil
}

func (f *fakeCleanupStore) ParentsOlderThan(_ context.Context, cutoff time.Time) ([]*store.Recording, error) {
	var out []*store.Recording
	for _, r := range f.parents {
		if !f.tombstoned[r.ID] && r.EndTime != nil && r.StartTime.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCleanupStore) OldestParents(_ context.Context, limit int) ([]*store.Recording, error) {
	var out []*store.Recording
	for _, r := range f.parents {
		if !f.tombstoned[r.ID] && r.EndTime != nil {
			out = append(out, r)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartTime.Before(out[i].StartTime) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCleanupStore) SegmentsOf(_ context.Context, parentID types.RecordingID) ([]*store.Recording, error) {
	return f.segments[parentID], nil
}

func (f *fakeCleanupStore) DeleteRecording(_ context.Context, id types.RecordingID) error {
	if f.failDelete[id] {
		return errs.E(errs.StoreUnavailable, "delete failed")
	}
	if _, ok := f.parents[id]; !ok {
		return errs.E(errs.NotFound, "recording %s not found", id)
	}
	delete(f.parents, id)
	delete(f.segments, id)
	delete(f.tombstoned, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCleanupStore) TombstoneRecording(_ context.Context, id types.RecordingID) error {
	f.tombstoned[id] = true
	return nil
}

func (f *fakeCleanupStore) TombstonedRecordings(context.Context) ([]*store.Recording, error) {
	var out []*store.Recording
	for id := range f.tombstoned {
		if r, ok := f.parents[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCleanupStore) GetRecordingByPath(_ context.Context, path string) (*store.Recording, error) {
	for _, segs := range f.segments {
		for _, seg := range segs {
			if seg.FilePath == path {
				return seg, nil
			}
		}
	}
	return nil, errs.E(errs.NotFound, "no recording for path %s", path)
}

func (f *fakeCleanupStore) addRecording(id types.RecordingID, cam types.CameraID, start time.Time, root string, t *testing.T) string {
	end := start.Add(time.Hour)
	f.parents[id] = &store.Recording{
		ID: id, CameraID: cam, StartTime: start, EndTime: &end,
	}
	path := SegmentPath(root, cam, start, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("mp4"), 0o644))
	segEnd := start.Add(5 * time.Minute)
	f.segments[id] = []*store.Recording{{
		ID: id + "-s0", CameraID: cam, ParentID: &id,
		StartTime: start, EndTime: &segEnd, FilePath: path,
	}}
	return path
}

func newTestCleanup(db cleanupStore, root string) (*Cleanup, *configs.Config) {
	cfg := configs.NewConfig()
	cfg.Recording.RecordingsRoot = root
	cfg.Recording.RetentionDefaultDays = 30
	cfg.Recording.MaxDiskUsagePercent = 80
	return &Cleanup{
		cfg:    cfg,
		db:     db,
		logger: logrus.NewEntry(logrus.New()),
		usage:  func(string) (float64, error) { return 50, nil },
		done:   make(chan struct{}),
	}, cfg
}

func TestDeleteExpiredHonorsPerCameraRetention(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	db.cameras = []*store.Camera{
		{ID: "cam1"},                    // global default, 30 days
		{ID: "cam2", RetentionDays: 7},  // shorter override
		{ID: "cam3", RetentionDays: 60}, // longer override
	}
	now := time.Now().UTC()
	oldPath := db.addRecording("r1", "cam1", now.AddDate(0, 0, -40), root, t)
	db.addRecording("r2", "cam1", now.AddDate(0, 0, -10), root, t)
	shortPath := db.addRecording("r3", "cam2", now.AddDate(0, 0, -10), root, t)
	keepPath := db.addRecording("r4", "cam3", now.AddDate(0, 0, -40), root, t)

	c, _ := newTestCleanup(db, root)
	deleted := c.deleteExpired(context.Background())

	assert.Equal(t, 2, deleted)
	assert.ElementsMatch(t, []types.RecordingID{"r1", "r3"}, db.deleted)
	assert.NoFileExists(t, oldPath)
	assert.NoFileExists(t, shortPath)
	assert.FileExists(t, keepPath)
}

func TestDeleteExpiredHonorsScheduleRetention(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	db.cameras = []*store.Camera{{ID: "cam1", RetentionDays: 30}}
	db.schedules["long"] = &store.RecordingSchedule{ID: "long", CameraID: "cam1", RetentionDays: 60}
	db.schedules["short"] = &store.RecordingSchedule{ID: "short", CameraID: "cam1", RetentionDays: 7}

	now := time.Now().UTC()
	longID := types.ScheduleID("long")
	shortID := types.ScheduleID("short")
	goneID := types.ScheduleID("gone")
	keepPath := db.addRecording("r1", "cam1", now.AddDate(0, 0, -40), root, t)
	db.parents["r1"].ScheduleID = &longID
	shortPath := db.addRecording("r2", "cam1", now.AddDate(0, 0, -10), root, t)
	db.parents["r2"].ScheduleID = &shortID
	// A deleted schedule falls back to the camera's retention. Offset the
	// start so r3's file path does not collide with r2's.
	orphanPath := db.addRecording("r3", "cam1", now.AddDate(0, 0, -10).Add(-time.Second), root, t)
	db.parents["r3"].ScheduleID = &goneID

	c, _ := newTestCleanup(db, root)
	deleted := c.deleteExpired(context.Background())

	assert.Equal(t, 1, deleted)
	assert.Equal(t, []types.RecordingID{"r2"}, db.deleted)
	assert.FileExists(t, keepPath, "schedule retention outlives the camera's")
	assert.NoFileExists(t, shortPath)
	assert.FileExists(t, orphanPath)
}

func TestDiskPressureDeletesOldestUntilTarget(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	now := time.Now().UTC()
	db.addRecording("old", "cam1", now.Add(-3*time.Hour), root, t)
	db.addRecording("mid", "cam1", now.Add(-2*time.Hour), root, t)
	db.addRecording("new", "cam1", now.Add(-time.Hour), root, t)

	c, _ := newTestCleanup(db, root)
	// Above the 80% limit first, below the 75% target after one batch.
	calls := 0
	c.usage = func(string) (float64, error) {
		calls++
		if calls == 1 {
			return 90, nil
		}
		return 70, nil
	}

	deleted := c.relieveDiskPressure(context.Background())
	assert.Equal(t, 3, deleted, "one batch of oldest recordings")
	assert.Equal(t, types.RecordingID("old"), db.deleted[0])
}

func TestDiskPressureNoopBelowLimit(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	db.addRecording("r1", "cam1", time.Now().UTC().Add(-time.Hour), root, t)

	c, _ := newTestCleanup(db, root)
	assert.Equal(t, 0, c.relieveDiskPressure(context.Background()))
	assert.Empty(t, db.deleted)
}

func TestFailedRowDeleteTombstones(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	db.cameras = []*store.Camera{{ID: "cam1"}}
	now := time.Now().UTC()
	db.addRecording("r1", "cam1", now.AddDate(0, 0, -40), root, t)
	db.failDelete["r1"] = true

	c, _ := newTestCleanup(db, root)
	deleted := c.deleteExpired(context.Background())
	assert.Equal(t, 0, deleted)
	assert.True(t, db.tombstoned["r1"])

	// Next pass: the row delete works again and the tombstone is retried.
	db.failDelete["r1"] = false
	assert.Equal(t, 1, c.retryTombstones(context.Background()))
	assert.Empty(t, db.tombstoned)
}

func TestSweepOrphans(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	now := time.Now().UTC()
	known := db.addRecording("r1", "cam1", now.Add(-48*time.Hour), root, t)

	stale := filepath.Join(root, "cam1", "stale.mp4")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := now.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	stalePart := filepath.Join(root, "cam1", "stale.mp4.part")
	require.NoError(t, os.WriteFile(stalePart, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(stalePart, old, old))

	fresh := filepath.Join(root, "cam1", "fresh.mp4")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	// Indexed files keep their mtime recent via addRecording; age the known
	// one too so only the index protects it.
	require.NoError(t, os.Chtimes(known, old, old))

	c, cfg := newTestCleanup(db, root)
	cfg.Recording.OrphanGracePeriodHours = 24

	removed := c.sweepOrphans(context.Background())
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, stalePart)
	assert.FileExists(t, fresh, "inside grace period")
	assert.FileExists(t, known, "indexed file is never an orphan")
}

func TestPruneCameraDeletesOnlyThatCamera(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	now := time.Now().UTC()
	oldPath := db.addRecording("r1", "cam1", now.AddDate(0, 0, -10), root, t)
	freshPath := db.addRecording("r2", "cam1", now.AddDate(0, 0, -2), root, t)
	otherPath := db.addRecording("r3", "cam2", now.AddDate(0, 0, -10), root, t)

	c, _ := newTestCleanup(db, root)
	deleted, err := c.PruneCamera(context.Background(), "cam1", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, deleted)
	assert.Equal(t, []types.RecordingID{"r1"}, db.deleted)
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, freshPath)
	assert.FileExists(t, otherPath)

	_, err = c.PruneCamera(context.Background(), "cam1", -1)
	assert.True(t, errs.IsKind(err, errs.ValidationError))
}

func TestDeleteOneSkipsOnFileError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	root := t.TempDir()
	db := newFakeCleanupStore()
	now := time.Now().UTC()
	path := db.addRecording("r1", "cam1", now.Add(-time.Hour), root, t)
	require.NoError(t, os.Chmod(filepath.Dir(path), 0o555))
	t.Cleanup(func() { os.Chmod(filepath.Dir(path), 0o755) })

	c, _ := newTestCleanup(db, root)
	r := db.parents["r1"]
	assert.False(t, c.deleteOne(context.Background(), r, "age"))
	_, stillThere := db.parents["r1"]
	assert.True(t, stillThere, "row survives when the file cannot be deleted")
}

func TestRetryTombstonesIgnoresStoreErrors(t *testing.T) {
	root := t.TempDir()
	db := newFakeCleanupStore()
	now := time.Now().UTC()
	db.addRecording("r1", "cam1", now, root, t)
	db.tombstoned["r1"] = true
	db.failDelete["r1"] = true

	c, _ := newTestCleanup(db, root)
	assert.Equal(t, 0, c.retryTombstones(context.Background()))
	assert.True(t, db.tombstoned["r1"])
}
