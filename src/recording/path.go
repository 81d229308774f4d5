package recording

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/camnvr/camnvr/src/types"
)

// partSuffix marks a segment still being written. The reconciler treats
// stale .part files past the grace period as orphans.
const partSuffix = ".part"

// SegmentPath builds the on-disk location of a finalized segment. The layout
// shards by camera and UTC hour so a directory never accumulates more than
// one hour of files:
//
//	{root}/{camera_id}/{YYYY}/{MM}/{DD}/{HH}/cam_{camera_id}_{YYYYMMDDHHMMSS}_{NNNNN}.mp4
//
// The zero-padded counter keeps names unique within a second and sorts
// segments of one recording lexicographically.
func SegmentPath(root string, cameraID types.CameraID, start time.Time, index int) string {
	t := start.UTC()
	name := fmt.Sprintf("cam_%s_%s_%05d.mp4", cameraID, t.Format("20060102150405"), index)
	return filepath.Join(
		root,
		string(cameraID),
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		t.Format("15"),
		name,
	)
}
