package recording

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

// cleanupStore is the slice of the store the cleanup task needs.
type cleanupStore interface {
	ListCameras(ctx context.Context) ([]*store.Camera, error)
	GetSchedule(ctx context.Context, id types.ScheduleID) (*store.RecordingSchedule, error)
	ParentsOlderThan(ctx context.Context, cutoff time.Time) ([]*store.Recording, error)
	OldestParents(ctx context.Context, limit int) ([]*store.Recording, error)
	SegmentsOf(ctx context.Context, parentID types.RecordingID) ([]*store.Recording, error)
	DeleteRecording(ctx context.Context, id types.RecordingID) error
	TombstoneRecording(ctx context.Context, id types.RecordingID) error
	TombstonedRecordings(ctx context.Context) ([]*store.Recording, error)
	GetRecordingByPath(ctx context.Context, path string) (*store.Recording, error)
}

// CleanupSummary is dispatched after every pass.
type CleanupSummary struct {
	DeletedByAge     int `json:"deleted_by_age"`
	DeletedByDisk    int `json:"deleted_by_disk"`
	TombstoneRetries int `json:"tombstone_retries"`
	OrphansRemoved   int `json:"orphans_removed"`
}

// Cleanup enforces retention: recordings past their age limit go first, then
// the oldest recordings until disk usage falls below the pressure target.
// It also retries tombstoned rows and sweeps orphan files.
type Cleanup struct {
	cfg    *configs.Config
	db     cleanupStore
	logger *logrus.Entry
	usage  diskUsage

	dispatcher events.Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewCleanup(ctx context.Context) *Cleanup {
	c := &Cleanup{
		usage: gopsutilUsage,
		done:  make(chan struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.CleanupManager = c
	}
	return c
}

func (c *Cleanup) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	c.cfg = configs.GetCurrentConfig()
	c.db = inst.Store.(cleanupStore)
	if inst.EventDispatcher != nil {
		c.dispatcher = inst.EventDispatcher.(events.Dispatcher)
	}
	c.logger = log.GetLogger().WithField("component", "cleanup")

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	sentry.Go(func() { c.loop(runCtx) })
	return nil
}

func (c *Cleanup) Close(ctx context.Context) {
	c.cancel()
	<-c.done
}

func (c *Cleanup) loop(ctx context.Context) {
	defer close(c.done)
	interval := time.Duration(c.cfg.Recording.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

// runOnce executes one full pass. Failures are logged per item; one bad row
// never blocks the batch.
func (c *Cleanup) runOnce(ctx context.Context) {
	summary := &CleanupSummary{}
	summary.TombstoneRetries = c.retryTombstones(ctx)
	summary.DeletedByAge = c.deleteExpired(ctx)
	summary.DeletedByDisk = c.relieveDiskPressure(ctx)
	summary.OrphansRemoved = c.sweepOrphans(ctx)

	c.logger.WithFields(logrus.Fields{
		"deleted_by_age":    summary.DeletedByAge,
		"deleted_by_disk":   summary.DeletedByDisk,
		"tombstone_retries": summary.TombstoneRetries,
		"orphans_removed":   summary.OrphansRemoved,
	}).Info("cleanup pass finished")
	if c.dispatcher != nil {
		c.dispatcher.DispatchEvent(events.NewEvent(events.CleanupCompleted, summary))
	}
}

// deleteExpired removes recordings past their retention. Retention resolves
// most specific first: the owning schedule's retention_days, then the
// camera's, then the global default.
func (c *Cleanup) deleteExpired(ctx context.Context) int {
	cameras, err := c.db.ListCameras(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("failed to list cameras for retention")
		return 0
	}
	cameraDays := make(map[types.CameraID]int, len(cameras))
	for _, cam := range cameras {
		cameraDays[cam.ID] = cam.RetentionDays
	}

	now := time.Now().UTC()
	candidates, err := c.db.ParentsOlderThan(ctx, now.AddDate(0, 0, -1))
	if err != nil {
		c.logger.WithError(err).Warn("failed to query retention candidates")
		return 0
	}

	scheduleDays := make(map[types.ScheduleID]int)
	deleted := 0
	for _, r := range candidates {
		days := 0
		if r.ScheduleID != nil {
			d, ok := scheduleDays[*r.ScheduleID]
			if !ok {
				sc, err := c.db.GetSchedule(ctx, *r.ScheduleID)
				switch {
				case err == nil:
					d = sc.RetentionDays
				case errs.IsKind(err, errs.NotFound):
					// Schedule was deleted; fall through to the camera's.
					d = 0
				default:
					c.logger.WithError(err).WithField("schedule_id", *r.ScheduleID).Warn("failed to resolve schedule retention")
					continue
				}
				scheduleDays[*r.ScheduleID] = d
			}
			days = d
		}
		if days <= 0 {
			days = cameraDays[r.CameraID]
		}
		if days <= 0 {
			days = c.cfg.Recording.RetentionDefaultDays
		}
		if r.StartTime.After(now.AddDate(0, 0, -days)) {
			continue
		}
		if c.deleteOne(ctx, r, "age") {
			deleted++
		}
	}
	return deleted
}

// relieveDiskPressure deletes oldest-first until usage drops a few percent
// below the limit, so the task does not fire again on the next tick.
func (c *Cleanup) relieveDiskPressure(ctx context.Context) int {
	limit := float64(c.cfg.Recording.MaxDiskUsagePercent)
	target := limit - 5
	if target < 0 {
		target = 0
	}

	deleted := 0
	for {
		used, err := c.usage(c.cfg.Recording.RecordingsRoot)
		if err != nil {
			c.logger.WithError(err).Warn("failed to read disk usage")
			return deleted
		}
		if deleted == 0 && used < limit {
			return 0
		}
		if used <= target {
			return deleted
		}

		batch, err := c.db.OldestParents(ctx, 10)
		if err != nil || len(batch) == 0 {
			if err != nil {
				c.logger.WithError(err).Warn("failed to query oldest recordings")
			}
			return deleted
		}
		progressed := false
		for _, r := range batch {
			if c.deleteOne(ctx, r, "disk_pressure") {
				deleted++
				progressed = true
			}
		}
		if !progressed {
			return deleted
		}
	}
}

// deleteOne removes a parent recording's files then its rows. A failed row
// delete leaves a tombstone for the next pass.
func (c *Cleanup) deleteOne(ctx context.Context, r *store.Recording, reason string) bool {
	segs, err := c.db.SegmentsOf(ctx, r.ID)
	if err != nil {
		c.logger.WithError(err).WithField("recording_id", r.ID).Warn("failed to list segments for deletion")
		return false
	}
	for _, seg := range segs {
		if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
			c.logger.WithError(err).WithField("path", seg.FilePath).Warn("failed to delete segment file")
			return false
		}
	}

	if err := c.db.DeleteRecording(ctx, r.ID); err != nil {
		c.logger.WithError(err).WithField("recording_id", r.ID).Warn("row delete failed, tombstoning")
		if terr := c.db.TombstoneRecording(ctx, r.ID); terr != nil {
			c.logger.WithError(terr).WithField("recording_id", r.ID).Error("failed to tombstone recording")
		}
		return false
	}

	metrics.CleanupDeletions.WithLabelValues(reason).Inc()
	c.logger.WithFields(logrus.Fields{
		"recording_id": r.ID,
		"camera_id":    r.CameraID,
		"start_time":   r.StartTime,
		"reason":       reason,
	}).Info("recording deleted")
	return true
}

// DeleteNow removes one closed parent recording on behalf of the gateway.
func (c *Cleanup) DeleteNow(ctx context.Context, r *store.Recording) error {
	if !r.IsParent() {
		return errs.E(errs.ValidationError, "recording %s is a segment, delete its parent", r.ID)
	}
	if r.EndTime == nil {
		return errs.E(errs.Conflict, "recording %s is still active", r.ID)
	}
	if !c.deleteOne(ctx, r, "api") {
		return errs.E(errs.Internal, "recording %s could not be fully deleted", r.ID)
	}
	return nil
}

// PruneCamera deletes the camera's closed recordings older than the given
// number of days and reports how many were removed.
func (c *Cleanup) PruneCamera(ctx context.Context, cameraID types.CameraID, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, errs.E(errs.ValidationError, "older_than_days must not be negative")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	candidates, err := c.db.ParentsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range candidates {
		if r.CameraID != cameraID {
			continue
		}
		if c.deleteOne(ctx, r, "prune") {
			deleted++
		}
	}
	return deleted, nil
}

func (c *Cleanup) retryTombstones(ctx context.Context) int {
	pending, err := c.db.TombstonedRecordings(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("failed to list tombstoned recordings")
		return 0
	}
	retried := 0
	for _, r := range pending {
		if err := c.db.DeleteRecording(ctx, r.ID); err != nil {
			c.logger.WithError(err).WithField("recording_id", r.ID).Warn("tombstone retry failed")
			continue
		}
		metrics.CleanupDeletions.WithLabelValues("tombstone_retry").Inc()
		retried++
	}
	return retried
}

// sweepOrphans walks the recordings root and removes files with no metadata
// row, but only past the grace period so in-flight segments survive.
func (c *Cleanup) sweepOrphans(ctx context.Context) int {
	grace := c.cfg.Recording.OrphanGracePeriod()
	cutoff := time.Now().Add(-grace)

	removed := 0
	root := c.cfg.Recording.RecordingsRoot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		isPart := strings.HasSuffix(path, partSuffix)
		if !isPart && !strings.HasSuffix(path, ".mp4") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}

		if !isPart {
			if _, err := c.db.GetRecordingByPath(ctx, path); err == nil {
				return nil
			} else if !errs.IsKind(err, errs.NotFound) {
				return nil
			}
		}
		if err := os.Remove(path); err != nil {
			c.logger.WithError(err).WithField("path", path).Warn("failed to remove orphan file")
			return nil
		}
		metrics.OrphansSwept.Inc()
		removed++
		c.logger.WithField("path", path).Info("orphan file removed")
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		c.logger.WithError(err).Warn("orphan sweep failed")
	}
	return removed
}
