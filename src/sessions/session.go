package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/types"
)

// State is the lifecycle of a viewer session.
type State string

const (
	StateNew         State = "new"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// Info is the external snapshot of a session.
type Info struct {
	SessionID  types.SessionID    `json:"session_id"`
	CameraID   types.CameraID     `json:"camera_id"`
	State      State              `json:"state"`
	CreatedAt  time.Time          `json:"created_at"`
	FailReason string             `json:"fail_reason,omitempty"`
	IceServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

// session is one viewer. The mutex guards the state machine and the pending
// candidate queue; pion callbacks arrive on their own goroutines.
type session struct {
	id       types.SessionID
	cameraID types.CameraID

	mu           sync.Mutex
	state        State
	failReason   string
	pc           *webrtc.PeerConnection
	branchID     types.BranchID
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	seen         map[string]struct{}
	lastActivity time.Time
	createdAt    time.Time

	negotiationTimer *time.Timer
}

func newSession(id types.SessionID, cameraID types.CameraID) *session {
	now := time.Now().UTC()
	return &session{
		id:           id,
		cameraID:     cameraID,
		state:        StateNew,
		seen:         make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *session) info() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Info{
		SessionID:  s.id,
		CameraID:   s.cameraID,
		State:      s.state,
		CreatedAt:  s.createdAt,
		FailReason: s.failReason,
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// candidateKey deduplicates trickled candidates. Re-sent candidates are
// acknowledged without being applied twice.
func candidateKey(c webrtc.ICECandidateInit) string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := uint16(0)
	if c.SDPMLineIndex != nil {
		idx = *c.SDPMLineIndex
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

// viewerSink is the leaky live-view branch sink. It waits for a keyframe so
// the decoder starts clean, then forwards Annex-B samples to the pion track.
type viewerSink struct {
	track *webrtc.TrackLocalStaticSample

	mu         sync.Mutex
	sawKey     bool
	lastPTS    time.Duration
	hasLastPTS bool
}

func newViewerSink(track *webrtc.TrackLocalStaticSample) *viewerSink {
	return &viewerSink{track: track}
}

func (v *viewerSink) OnTrack(info *media.TrackInfo) {
	v.mu.Lock()
	// A reconnect or parameter change needs a fresh keyframe.
	v.sawKey = false
	v.hasLastPTS = false
	v.mu.Unlock()
}

func (v *viewerSink) OnAccessUnit(au *media.AccessUnit) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.sawKey {
		if !au.IsRandomAccess() {
			return
		}
		v.sawKey = true
	}
	dur := 33 * time.Millisecond
	if v.hasLastPTS && au.PTS > v.lastPTS {
		dur = au.PTS - v.lastPTS
	}
	v.lastPTS = au.PTS
	v.hasLastPTS = true

	// WriteSample drops internally when the viewer cannot keep up.
	_ = v.track.WriteSample(pionmedia.Sample{
		Data:     media.AnnexB(au.Units),
		Duration: dur,
	})
}

func (v *viewerSink) Close() {}
