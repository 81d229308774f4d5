// Package archive mirrors finalized segments into S3-compatible object
// storage. It listens for completed segments and uploads them off the media
// plane; local retention is unaffected, the copy is belt and braces for
// recordings that must outlive the disk.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/store"
)

const (
	queueDepth    = 128
	uploadTimeout = 5 * time.Minute
)

// putter is the slice of the minio client the uploader needs.
type putter interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader ships finalized segments to the configured bucket. Disabled in
// the config it starts as a no-op.
type Uploader struct {
	cfg        *configs.Config
	client     putter
	dispatcher events.Dispatcher
	listener   *events.EventListener
	logger     *logrus.Entry

	queue  chan *store.Recording
	cancel context.CancelFunc
	done   chan struct{}
}

func NewUploader(ctx context.Context) *Uploader {
	u := &Uploader{
		queue: make(chan *store.Recording, queueDepth),
		done:  make(chan struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.Archiver = u
	}
	return u
}

func (u *Uploader) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	u.cfg = configs.GetCurrentConfig()
	u.logger = log.GetLogger().WithField("component", "archive")

	if !u.cfg.Archive.Enable {
		u.logger.Info("archive disabled, segments stay local only")
		return nil
	}

	if u.client == nil {
		cli, err := minio.New(u.cfg.Archive.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(u.cfg.Archive.AccessKey, u.cfg.Archive.SecretKey, ""),
			Secure: u.cfg.Archive.UseSSL,
		})
		if err != nil {
			return errs.Wrap(errs.Internal, err, "archive endpoint %s", u.cfg.Archive.Endpoint)
		}
		u.client = cli
	}

	if inst.EventDispatcher != nil {
		u.dispatcher = inst.EventDispatcher.(events.Dispatcher)
		u.listener = events.NewEventListener(func(ev *events.Event) {
			row, ok := ev.Object.(*store.Recording)
			if !ok {
				return
			}
			u.enqueue(row)
		})
		u.dispatcher.AddEventListener(events.SegmentCompleted, u.listener)
	}

	workCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	sentry.Go(func() { u.worker(workCtx) })
	return nil
}

func (u *Uploader) Close(ctx context.Context) {
	if u.dispatcher != nil && u.listener != nil {
		u.dispatcher.RemoveEventListener(events.SegmentCompleted, u.listener)
	}
	// The worker only runs when Start got as far as launching it.
	if u.cancel == nil {
		return
	}
	u.cancel()
	<-u.done
}

// enqueue hands a segment to the worker. A full queue drops the upload
// rather than stalling the dispatcher; the segment is still on disk.
func (u *Uploader) enqueue(row *store.Recording) {
	select {
	case u.queue <- row:
	default:
		metrics.SegmentsArchived.WithLabelValues("dropped").Inc()
		u.logger.WithField("recording_id", row.ID).Warn("archive queue full, segment not uploaded")
	}
}

func (u *Uploader) worker(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-u.queue:
			u.upload(ctx, row)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, row *store.Recording) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	key := objectKey(row)
	_, err := u.client.FPutObject(ctx, u.cfg.Archive.Bucket, key, row.FilePath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		metrics.SegmentsArchived.WithLabelValues("failed").Inc()
		u.logger.WithError(err).WithFields(logrus.Fields{
			"recording_id": row.ID,
			"object_key":   key,
		}).Error("segment upload failed")
		return
	}
	metrics.SegmentsArchived.WithLabelValues("ok").Inc()
	u.logger.WithFields(logrus.Fields{
		"recording_id": row.ID,
		"object_key":   key,
		"bytes":        row.FileSize,
	}).Info("segment archived")
}

// objectKey mirrors the on-disk date layout inside the bucket.
func objectKey(row *store.Recording) string {
	t := row.StartTime.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.mp4",
		row.CameraID, t.Year(), t.Month(), t.Day(), row.ID)
}
