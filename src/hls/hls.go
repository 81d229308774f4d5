// Package hls packages finalized recordings into HLS playlists on demand.
// Nothing is pre-generated; playlists are rendered from the metadata rows
// and cached until the underlying recording grows.
package hls

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

// hlsStore is the slice of the store the packager needs.
type hlsStore interface {
	GetRecording(ctx context.Context, id types.RecordingID) (*store.Recording, error)
	SegmentsOf(ctx context.Context, parentID types.RecordingID) ([]*store.Recording, error)
	ParentRecordingsByCamera(ctx context.Context, cameraID types.CameraID) ([]*store.Recording, error)
}

// Packager renders playlists and resolves segment files.
type Packager struct {
	db    hlsStore
	cfg   *configs.Config
	cache gcache.Cache
	stat  func(string) (os.FileInfo, error)
}

func NewPackager(db hlsStore, cfg *configs.Config) *Packager {
	return &Packager{
		db:    db,
		cfg:   cfg,
		cache: gcache.New(cfg.HLS.PlaylistCacheSize).LRU().Build(),
		stat:  os.Stat,
	}
}

// MasterPlaylist returns the single-variant master for a recording or a
// camera timeline. uri is the relative media playlist location.
func MasterPlaylist(resolution, codec string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	b.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=4000000")
	if resolution != "" {
		fmt.Fprintf(&b, ",RESOLUTION=%s", resolution)
	}
	if codec != "" {
		fmt.Fprintf(&b, ",CODECS=\"%s\"", codec)
	}
	b.WriteString("\nindex.m3u8\n")
	return b.String()
}

// RecordingMaster renders the master playlist for one recording. Older rows
// predating codec capture fall back to the first segment's codec.
func (p *Packager) RecordingMaster(ctx context.Context, id types.RecordingID) (string, error) {
	parent, err := p.parent(ctx, id)
	if err != nil {
		return "", err
	}
	resolution, codec := parent.Resolution, parent.Codec
	if codec == "" || resolution == "" {
		if segs, err := p.db.SegmentsOf(ctx, id); err == nil && len(segs) > 0 {
			if codec == "" {
				codec = segs[0].Codec
			}
			if resolution == "" {
				resolution = segs[0].Resolution
			}
		}
	}
	return MasterPlaylist(resolution, codec), nil
}

// CameraMaster renders the master playlist for a camera timeline, using the
// track parameters of the newest recording that carries them.
func (p *Packager) CameraMaster(ctx context.Context, cameraID types.CameraID) (string, error) {
	parents, err := p.db.ParentRecordingsByCamera(ctx, cameraID)
	if err != nil {
		return "", err
	}
	if len(parents) == 0 {
		return "", errs.E(errs.NotFound, "camera %s has no recordings", cameraID)
	}
	var resolution, codec string
	for i := len(parents) - 1; i >= 0; i-- {
		if resolution == "" {
			resolution = parents[i].Resolution
		}
		if codec == "" {
			codec = parents[i].Codec
		}
		if resolution != "" && codec != "" {
			break
		}
	}
	return MasterPlaylist(resolution, codec), nil
}

// RecordingPlaylist renders the media playlist covering one recording.
func (p *Packager) RecordingPlaylist(ctx context.Context, id types.RecordingID) (string, error) {
	parent, err := p.parent(ctx, id)
	if err != nil {
		return "", err
	}
	segs, err := p.db.SegmentsOf(ctx, id)
	if err != nil {
		return "", err
	}
	segs = p.availableSegments(segs)
	if len(segs) == 0 {
		return "", errs.E(errs.NotFound, "recording %s has no finished segments", id)
	}

	key := playlistKey("rec", string(id), segs)
	if cached, err := p.cache.Get(key); err == nil {
		metrics.PlaylistCacheHits.Inc()
		return cached.(string), nil
	}
	metrics.PlaylistCacheMisses.Inc()

	playlist := renderPlaylist(segs, parent.EndTime != nil, p.cfg.HLS.DiscontinuityThreshold())
	_ = p.cache.Set(key, playlist)
	return playlist, nil
}

// CameraPlaylist stitches every recording of a camera into one continuous
// timeline. Recording boundaries and gaps become discontinuities.
func (p *Packager) CameraPlaylist(ctx context.Context, cameraID types.CameraID) (string, error) {
	parents, err := p.db.ParentRecordingsByCamera(ctx, cameraID)
	if err != nil {
		return "", err
	}
	var segs []*store.Recording
	allClosed := true
	for _, parent := range parents {
		ps, err := p.db.SegmentsOf(ctx, parent.ID)
		if err != nil {
			return "", err
		}
		segs = append(segs, ps...)
		if parent.EndTime == nil {
			allClosed = false
		}
	}
	segs = p.availableSegments(segs)
	if len(segs) == 0 {
		return "", errs.E(errs.NotFound, "camera %s has no finished segments", cameraID)
	}

	key := playlistKey("cam", string(cameraID), segs)
	if cached, err := p.cache.Get(key); err == nil {
		metrics.PlaylistCacheHits.Inc()
		return cached.(string), nil
	}
	metrics.PlaylistCacheMisses.Inc()

	playlist := renderPlaylist(segs, allClosed, p.cfg.HLS.DiscontinuityThreshold())
	_ = p.cache.Set(key, playlist)
	return playlist, nil
}

// SegmentFile resolves a segment row to its file path, verifying the bytes
// are actually there. An indexed segment whose file is gone is simply not
// found; playlists skip such rows so a player never requests them.
func (p *Packager) SegmentFile(ctx context.Context, segmentID types.RecordingID) (string, error) {
	row, err := p.db.GetRecording(ctx, segmentID)
	if err != nil {
		return "", err
	}
	if row.IsParent() {
		return "", errs.E(errs.ValidationError, "recording %s is not a segment", segmentID)
	}
	if _, err := p.stat(row.FilePath); err != nil {
		metrics.MissingSegments.Inc()
		return "", errs.E(errs.NotFound, "segment %s file is missing", segmentID)
	}
	return row.FilePath, nil
}

// availableSegments drops rows whose file is gone from disk, so playlists
// only reference servable segments. The wall-clock hole left behind renders
// as a discontinuity.
func (p *Packager) availableSegments(segs []*store.Recording) []*store.Recording {
	out := make([]*store.Recording, 0, len(segs))
	for _, s := range segs {
		if _, err := p.stat(s.FilePath); err != nil {
			metrics.MissingSegments.Inc()
			continue
		}
		out = append(out, s)
	}
	return out
}

func (p *Packager) parent(ctx context.Context, id types.RecordingID) (*store.Recording, error) {
	r, err := p.db.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.IsParent() {
		return nil, errs.E(errs.ValidationError, "recording %s is a segment, not a recording", id)
	}
	return r, nil
}

// playlistKey changes whenever the segment set grows, invalidating the
// cached rendering of a still-recording timeline.
func playlistKey(kind, id string, segs []*store.Recording) string {
	last := segs[len(segs)-1]
	return fmt.Sprintf("%s|%s|%d|%s", kind, id, len(segs), last.ID)
}

// renderPlaylist emits a version 7 fMP4 media playlist. Each segment file
// carries its own init section, announced via EXT-X-MAP. A wall-clock gap
// above the threshold or a resolution change forces EXT-X-DISCONTINUITY.
func renderPlaylist(segs []*store.Recording, closed bool, gapThreshold time.Duration) string {
	target := 1
	for _, s := range segs {
		if d := int(math.Ceil(s.Duration.Seconds())); d > target {
			target = d
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	if closed {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	} else {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	}

	var prev *store.Recording
	for _, s := range segs {
		discontinuity := false
		if prev != nil {
			if prev.EndTime != nil && s.StartTime.Sub(*prev.EndTime) > gapThreshold {
				discontinuity = true
			}
			if prev.ParentID != nil && s.ParentID != nil && *prev.ParentID != *s.ParentID {
				discontinuity = true
			}
			if prev.Resolution != s.Resolution {
				discontinuity = true
			}
		}
		if discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if prev == nil || discontinuity {
			fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s.mp4\"\n", s.ID)
		}
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", s.StartTime.UTC().Format("2006-01-02T15:04:05.000Z"))
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration.Seconds())
		fmt.Fprintf(&b, "%s.mp4\n", s.ID)
		prev = s
	}
	if closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
