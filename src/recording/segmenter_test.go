package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/types"
)

var testSPS = []byte{
	0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78,
	0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00,
	0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60,
	0xc6, 0x58,
}

var testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}

type segmentCollector struct {
	mu   sync.Mutex
	segs []*completedSegment
}

func (c *segmentCollector) add(seg *completedSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, seg)
}

func (c *segmentCollector) list() []*completedSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*completedSegment(nil), c.segs...)
}

func newTestSegmenter(t *testing.T, target, tolerance time.Duration) (*segmenter, *segmentCollector, string) {
	t.Helper()
	root := t.TempDir()
	col := &segmentCollector{}
	n := 0
	s := newSegmenter(segmenterParams{
		cameraID:  "cam1",
		target:    target,
		tolerance: tolerance,
		pathFor: func(start time.Time, index int) string {
			return SegmentPath(root, "cam1", start, index)
		},
		newRowID: func() types.RecordingID {
			n++
			return types.RecordingID(fmt.Sprintf("row%d", n))
		},
		onSegment: col.add,
		logger:    logrus.NewEntry(logrus.New()),
	})
	track, err := media.ParseTrackInfo(testSPS, testPPS)
	require.NoError(t, err)
	s.OnTrack(track)
	return s, col, root
}

// feed pushes fps frames per second with a keyframe at each gopEvery
// interval, starting at base.
func feed(s *segmenter, base time.Time, from, to time.Duration, frame, gopEvery time.Duration) {
	for pts := from; pts < to; pts += frame {
		units := [][]byte{{0x41, 0x9a, 0x00}}
		if pts%gopEvery == 0 {
			units = [][]byte{{0x65, 0x88, 0x84}}
		}
		s.OnAccessUnit(&media.AccessUnit{
			PTS:   pts,
			NTP:   base.Add(pts),
			Units: units,
		})
	}
}

func TestSegmenterSplitsOnKeyframeAfterTarget(t *testing.T) {
	s, col, _ := newTestSegmenter(t, 2*time.Second, 10*time.Second)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// 5s of video, 10 fps, keyframe every second.
	feed(s, base, 0, 5*time.Second, 100*time.Millisecond, time.Second)
	s.Close()

	segs := col.list()
	require.Len(t, segs, 3)
	for i, seg := range segs {
		assert.Equal(t, i, seg.Index)
		assert.Greater(t, seg.Size, int64(0))
		assert.Equal(t, "avc1.640028", seg.Codec)
		assert.Contains(t, seg.Path, fmt.Sprintf("_%05d.mp4", i))
		_, err := os.Stat(seg.Path)
		require.NoError(t, err, "finalized segment must exist")
	}
	// First two segments cover the 2s target; the tail holds the rest.
	assert.Equal(t, 2*time.Second, segs[0].Duration)
	assert.Equal(t, 2*time.Second, segs[1].Duration)
	assert.Equal(t, base, segs[0].Start)
	assert.Equal(t, base.Add(2*time.Second), segs[1].Start)
	assert.Equal(t, segs[0].End, segs[1].Start)
}

func TestSegmenterForcesSplitPastTolerance(t *testing.T) {
	s, col, _ := newTestSegmenter(t, time.Second, 500*time.Millisecond)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// One keyframe, then 3s of delta frames only: the split cannot land on
	// a keyframe and must trigger at target+tolerance.
	feed(s, base, 0, 3*time.Second, 100*time.Millisecond, time.Hour)
	s.Close()

	segs := col.list()
	require.NotEmpty(t, segs)
	assert.InDelta(t, float64(1500*time.Millisecond), float64(segs[0].Duration), float64(200*time.Millisecond))
}

func TestSegmenterWaitsForKeyframe(t *testing.T) {
	s, col, root := newTestSegmenter(t, time.Second, time.Second)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Delta frames before the first keyframe are discarded.
	for i := 0; i < 5; i++ {
		s.OnAccessUnit(&media.AccessUnit{
			PTS:   time.Duration(i) * 100 * time.Millisecond,
			NTP:   base.Add(time.Duration(i) * 100 * time.Millisecond),
			Units: [][]byte{{0x41, 0x9a}},
		})
	}
	assert.Empty(t, col.list())

	entries, _ := os.ReadDir(root)
	assert.Empty(t, entries, "no file opened before the first keyframe")
}

func TestSegmenterLeavesNoPartFilesBehind(t *testing.T) {
	s, col, root := newTestSegmenter(t, time.Second, time.Second)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	feed(s, base, 0, 2500*time.Millisecond, 100*time.Millisecond, 500*time.Millisecond)
	s.Close()

	require.NotEmpty(t, col.list())
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		assert.NotContains(t, path, partSuffix)
		return nil
	})
	require.NoError(t, err)
}

func TestSegmenterFastStartLayout(t *testing.T) {
	s, col, _ := newTestSegmenter(t, time.Second, time.Second)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	feed(s, base, 0, 1500*time.Millisecond, 100*time.Millisecond, 500*time.Millisecond)
	s.Close()

	segs := col.list()
	require.NotEmpty(t, segs)
	data, err := os.ReadFile(segs[0].Path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	// ftyp box first: the moov/init section sits at byte zero, not at the
	// end of the file.
	assert.Equal(t, "ftyp", string(data[4:8]))
}
