package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/types"
)

const videoTimeScale = 90000

// completedSegment describes one finalized segment file.
type completedSegment struct {
	RowID      types.RecordingID
	Index      int
	Path       string
	Size       int64
	Start      time.Time
	End        time.Time
	Duration   time.Duration
	Resolution string
	Codec      string
}

// segmenter is the recorder branch sink. It cuts the incoming access units
// into fragmented MP4 files whose init section sits at byte zero, so every
// finalized file is immediately seekable.
//
// Segment boundaries land on keyframes. Once a segment exceeds the target
// duration the segmenter waits for the next keyframe up to the overflow
// tolerance, then splits anyway.
type segmenter struct {
	cameraID  types.CameraID
	target    time.Duration
	tolerance time.Duration
	pathFor   func(start time.Time, index int) string
	newRowID  func() types.RecordingID
	onSegment func(seg *completedSegment)
	logger    *logrus.Entry

	mu    sync.Mutex
	track *media.TrackInfo

	cur *segmentFile

	// pending holds the last access unit; its duration is only known when
	// the next one arrives.
	pending *media.AccessUnit

	nextIndex int
}

type segmenterParams struct {
	cameraID  types.CameraID
	target    time.Duration
	tolerance time.Duration
	pathFor   func(start time.Time, index int) string
	newRowID  func() types.RecordingID
	onSegment func(seg *completedSegment)
	logger    *logrus.Entry
}

func newSegmenter(p segmenterParams) *segmenter {
	return &segmenter{
		cameraID:  p.cameraID,
		target:    p.target,
		tolerance: p.tolerance,
		pathFor:   p.pathFor,
		newRowID:  p.newRowID,
		onSegment: p.onSegment,
		logger:    p.logger.WithField("camera_id", p.cameraID),
	}
}

// OnTrack implements engine.Sink. A parameter change while a segment is open
// forces a split so each file has a single consistent init section.
func (s *segmenter) OnTrack(info *media.TrackInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track != nil && !s.track.Equal(info) && s.cur != nil {
		s.finalizeLocked()
	}
	s.track = info
}

// OnAccessUnit implements engine.Sink.
func (s *segmenter) OnAccessUnit(au *media.AccessUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track == nil {
		metrics.CorruptFramesSkipped.WithLabelValues(string(s.cameraID)).Inc()
		return
	}
	keyframe := au.IsRandomAccess()

	// A segment always opens on a keyframe.
	if s.cur == nil {
		if !keyframe {
			return
		}
		if err := s.openLocked(au.NTP); err != nil {
			s.logger.WithError(err).Error("failed to open segment file")
			return
		}
	}

	if s.pending != nil {
		dur := au.PTS - s.pending.PTS
		if dur < 0 {
			dur = 0
		}
		if err := s.cur.write(s.pending, dur, keyframe); err != nil {
			s.logger.WithError(err).Error("segment write failed")
			s.abortLocked()
			return
		}
	}
	s.pending = au

	elapsed := au.NTP.Sub(s.cur.start)
	if (keyframe && elapsed >= s.target) || elapsed >= s.target+s.tolerance {
		s.finalizeLocked()
		// The unit that triggered the split opens the next segment.
		if err := s.openLocked(au.NTP); err != nil {
			s.logger.WithError(err).Error("failed to open segment file")
			s.pending = nil
		}
	}
}

// Close implements engine.Sink, finalizing the in-flight segment.
func (s *segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.finalizeLocked()
	}
}

func (s *segmenter) openLocked(start time.Time) error {
	rowID := s.newRowID()
	path := s.pathFor(start, s.nextIndex)
	f, err := newSegmentFile(path, rowID, start, s.track)
	if err != nil {
		return err
	}
	s.cur = f
	return nil
}

// finalizeLocked flushes, fsyncs and renames the in-flight file, then hands
// the metadata row to the manager. The pending access unit rolls over into
// the next segment.
func (s *segmenter) finalizeLocked() {
	f := s.cur
	s.cur = nil

	end := f.lastNTP
	if s.pending != nil {
		end = s.pending.NTP
	}
	if err := f.finalize(end); err != nil {
		s.logger.WithError(err).Error("failed to finalize segment")
		f.abort()
		return
	}

	seg := &completedSegment{
		RowID:      f.rowID,
		Index:      s.nextIndex,
		Path:       f.finalPath,
		Size:       f.size,
		Start:      f.start,
		End:        end,
		Duration:   end.Sub(f.start),
		Resolution: s.track.Resolution(),
		Codec:      s.track.Codec,
	}
	s.nextIndex++
	metrics.SegmentsWritten.WithLabelValues(string(s.cameraID)).Inc()
	metrics.BytesRecorded.WithLabelValues(string(s.cameraID)).Add(float64(seg.Size))
	s.onSegment(seg)
}

func (s *segmenter) abortLocked() {
	if s.cur != nil {
		s.cur.abort()
		s.cur = nil
	}
	s.pending = nil
}

// segmentFile wraps one .part file being written.
type segmentFile struct {
	rowID     types.RecordingID
	start     time.Time
	finalPath string
	partPath  string
	file      *os.File
	size      int64

	seq      uint32
	basePTS  time.Duration
	baseSet  bool
	lastNTP  time.Time
	buf      seekablebuffer.Buffer
	samples  []*fmp4.Sample
	partBase time.Duration
}

func newSegmentFile(path string, rowID types.RecordingID, start time.Time, track *media.TrackInfo) (*segmentFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	partPath := path + partSuffix
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	f := &segmentFile{
		rowID:     rowID,
		start:     start,
		finalPath: path,
		partPath:  partPath,
		file:      file,
		lastNTP:   start,
	}

	init := fmp4.Init{Tracks: []*fmp4.InitTrack{{
		ID:        1,
		TimeScale: videoTimeScale,
		Codec: &mp4.CodecH264{
			SPS: track.SPS,
			PPS: track.PPS,
		},
	}}}
	if err := init.Marshal(&f.buf); err != nil {
		file.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("failed to marshal init section: %w", err)
	}
	if err := f.flushBuf(); err != nil {
		file.Close()
		os.Remove(partPath)
		return nil, err
	}
	return f, nil
}

// write appends one access unit. A keyframe on the next unit closes the
// current part so parts stay aligned to GOPs.
func (f *segmentFile) write(au *media.AccessUnit, dur time.Duration, nextIsKeyframe bool) error {
	if !f.baseSet {
		f.basePTS = au.PTS
		f.baseSet = true
	}
	if len(f.samples) == 0 {
		f.partBase = au.PTS - f.basePTS
	}
	f.samples = append(f.samples, &fmp4.Sample{
		Duration:        durToScale(dur),
		IsNonSyncSample: !au.IsRandomAccess(),
		Payload:         avcc(au.Units),
	})
	f.lastNTP = au.NTP
	if nextIsKeyframe || len(f.samples) >= 120 {
		return f.flushPart()
	}
	return nil
}

func (f *segmentFile) flushPart() error {
	if len(f.samples) == 0 {
		return nil
	}
	part := fmp4.Part{
		SequenceNumber: f.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       1,
			BaseTime: uint64(durToScale(f.partBase)),
			Samples:  f.samples,
		}},
	}
	f.buf.Reset()
	if err := part.Marshal(&f.buf); err != nil {
		return fmt.Errorf("failed to marshal part: %w", err)
	}
	f.seq++
	f.samples = nil
	return f.flushBuf()
}

func (f *segmentFile) flushBuf() error {
	n, err := f.file.Write(f.buf.Bytes())
	f.size += int64(n)
	f.buf.Reset()
	if err != nil {
		return fmt.Errorf("segment write failed: %w", err)
	}
	return nil
}

// finalize flushes the tail, fsyncs and atomically renames .part away.
func (f *segmentFile) finalize(end time.Time) error {
	if err := f.flushPart(); err != nil {
		return err
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("fsync failed: %w", err)
	}
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	if err := os.Rename(f.partPath, f.finalPath); err != nil {
		return fmt.Errorf("rename failed: %w", err)
	}
	f.lastNTP = end
	return nil
}

func (f *segmentFile) abort() {
	f.file.Close()
	os.Remove(f.partPath)
}

func durToScale(d time.Duration) uint32 {
	return uint32(d * videoTimeScale / time.Second)
}

// avcc converts the NAL units of one access unit to the length-prefixed
// form mandated inside MP4 samples.
func avcc(units [][]byte) []byte {
	n := 0
	for _, nalu := range units {
		n += 4 + len(nalu)
	}
	out := make([]byte, n)
	pos := 0
	for _, nalu := range units {
		l := len(nalu)
		out[pos] = byte(l >> 24)
		out[pos+1] = byte(l >> 16)
		out[pos+2] = byte(l >> 8)
		out[pos+3] = byte(l)
		copy(out[pos+4:], nalu)
		pos += 4 + l
	}
	return out
}
