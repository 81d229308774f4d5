// Package media holds the in-memory representation of decoded-enough video
// data flowing between the source, the recorder branches and the live-view
// branches. Frames are passed around as H.264 access units; nothing here
// touches the network.
package media

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AccessUnit is one video frame worth of NAL units plus its timing. PTS is
// relative to the start of the source connection; NTP is the wall-clock
// capture time used for segment boundaries and playlist timelines.
type AccessUnit struct {
	PTS   time.Duration
	NTP   time.Time
	Units [][]byte
}

// IsRandomAccess reports whether the access unit starts with an IDR picture,
// i.e. whether a decoder can start here.
func (a *AccessUnit) IsRandomAccess() bool {
	for _, nalu := range a.Units {
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// Clone deep-copies the access unit so branches with different lifetimes
// never share payload buffers.
func (a *AccessUnit) Clone() *AccessUnit {
	units := make([][]byte, len(a.Units))
	for i, nalu := range a.Units {
		units[i] = append([]byte(nil), nalu...)
	}
	return &AccessUnit{PTS: a.PTS, NTP: a.NTP, Units: units}
}

// Size returns the payload byte count across all NAL units.
func (a *AccessUnit) Size() int {
	n := 0
	for _, nalu := range a.Units {
		n += len(nalu)
	}
	return n
}

// TrackInfo describes the video track negotiated with a source.
type TrackInfo struct {
	SPS       []byte
	PPS       []byte
	Width     int
	Height    int
	FPS       float64
	Codec     string // RFC 6381, e.g. avc1.64001F
	ClockRate int
}

// ParseTrackInfo decodes the SPS and derives resolution, frame rate and the
// RFC 6381 codec string.
func ParseTrackInfo(sps, pps []byte) (*TrackInfo, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("sps too short: %d bytes", len(sps))
	}
	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return nil, fmt.Errorf("failed to parse sps: %w", err)
	}
	info := &TrackInfo{
		SPS:       append([]byte(nil), sps...),
		PPS:       append([]byte(nil), pps...),
		Width:     parsed.Width(),
		Height:    parsed.Height(),
		Codec:     fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3]),
		ClockRate: 90000,
	}
	if fps := parsed.FPS(); fps > 0 && fps < 300 {
		info.FPS = fps
	}
	return info, nil
}

// Resolution formats the track dimensions as "WxH", or "" when unknown.
func (t *TrackInfo) Resolution() string {
	if t.Width == 0 || t.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", t.Width, t.Height)
}

// Equal reports whether two tracks carry identical decoder parameters.
// A change forces a discontinuity in stitched playlists.
func (t *TrackInfo) Equal(other *TrackInfo) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(t.SPS, other.SPS) && bytes.Equal(t.PPS, other.PPS)
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// AnnexB flattens an access unit into a single Annex-B byte stream, the form
// the RTP payloader consumes.
func AnnexB(units [][]byte) []byte {
	n := 0
	for _, nalu := range units {
		n += len(annexBStartCode) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range units {
		out = append(out, annexBStartCode...)
		out = append(out, nalu...)
	}
	return out
}

// ExtractParameterSets scans an access unit for in-band SPS/PPS updates.
// Either return value may be nil when the unit carries none.
func ExtractParameterSets(units [][]byte) (sps, pps []byte) {
	for _, nalu := range units {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}
