// Package sessions manages WebRTC live-view sessions: offer/answer
// negotiation, trickled ICE and the leaky branch that feeds each viewer.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/engine"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/media/rtsp"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/store"
	"github.com/camnvr/camnvr/src/types"
)

const janitorInterval = 10 * time.Second

// sessionStore is the slice of the store the manager needs.
type sessionStore interface {
	GetCamera(ctx context.Context, id types.CameraID) (*store.Camera, error)
	PrimaryStream(ctx context.Context, cameraID types.CameraID) (*store.Stream, error)
}

// Manager is the live-view control plane.
type Manager interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)

	// CreateSession allocates a session and returns the ICE servers the
	// client should use. No media resources are committed yet.
	CreateSession(ctx context.Context, cameraID types.CameraID) (*Info, error)
	// AcceptOffer attaches the session to the camera pipeline and returns
	// the SDP answer. Valid only in the new state.
	AcceptOffer(ctx context.Context, sessionID types.SessionID, offerSDP string) (string, error)
	// AddICECandidate applies or queues a trickled candidate. Duplicate
	// candidates and candidates for a closed session succeed silently.
	AddICECandidate(ctx context.Context, sessionID types.SessionID, candidate webrtc.ICECandidateInit) error
	// CloseSession is idempotent.
	CloseSession(ctx context.Context, sessionID types.SessionID) error
	GetSession(sessionID types.SessionID) (*Info, error)
	ListSessions() []*Info
}

func NewManager(ctx context.Context) Manager {
	m := &manager{
		sessions: make(map[types.SessionID]*session),
		done:     make(chan struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.SessionManager = m
	}
	return m
}

type manager struct {
	cfg    *configs.Config
	db     sessionStore
	eng    engine.Engine
	api    *webrtc.API
	logger *logrus.Entry

	mu       sync.RWMutex
	sessions map[types.SessionID]*session

	cancel context.CancelFunc
	done   chan struct{}
}

func (m *manager) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	m.cfg = configs.GetCurrentConfig()
	m.db = inst.Store.(sessionStore)
	m.eng = inst.Engine.(engine.Engine)
	m.logger = log.GetLogger().WithField("component", "sessions")

	engineMedia := &webrtc.MediaEngine{}
	if err := engineMedia.RegisterDefaultCodecs(); err != nil {
		return err
	}
	m.api = webrtc.NewAPI(webrtc.WithMediaEngine(engineMedia))

	janitorCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	sentry.Go(func() { m.janitor(janitorCtx) })
	return nil
}

func (m *manager) Close(ctx context.Context) {
	m.cancel()
	<-m.done
	for _, info := range m.ListSessions() {
		_ = m.CloseSession(ctx, info.SessionID)
	}
}

func (m *manager) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(m.cfg.WebRTC.IceServers))
	for _, s := range m.cfg.WebRTC.IceServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func (m *manager) CreateSession(ctx context.Context, cameraID types.CameraID) (*Info, error) {
	if _, err := m.db.GetCamera(ctx, cameraID); err != nil {
		return nil, err
	}

	s := newSession(types.SessionID(uuid.NewV4().String()), cameraID)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	// The client must complete negotiation inside the deadline.
	s.negotiationTimer = time.AfterFunc(m.cfg.WebRTC.NegotiationDeadline(), func() {
		m.failSession(s, "negotiation_timeout")
	})

	m.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"camera_id":  cameraID,
	}).Info("session created")

	info := s.info()
	info.IceServers = m.iceServers()
	return info, nil
}

func (m *manager) AcceptOffer(ctx context.Context, sessionID types.SessionID, offerSDP string) (string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return "", errs.E(errs.Conflict, "session %s is %s, expected new", sessionID, state)
	}
	s.state = StateNegotiating
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	answer, err := m.negotiate(ctx, s, offerSDP)
	if err != nil {
		m.failSession(s, "negotiation_error")
		if errs.KindOf(err) != errs.Internal {
			return "", err
		}
		return "", errs.Wrap(errs.NegotiationFailed, err, "session %s", sessionID)
	}
	return answer, nil
}

func (m *manager) negotiate(ctx context.Context, s *session, offerSDP string) (string, error) {
	cam, err := m.db.GetCamera(ctx, s.cameraID)
	if err != nil {
		return "", err
	}
	stream, err := m.db.PrimaryStream(ctx, s.cameraID)
	if err != nil {
		return "", err
	}

	g, err := m.eng.EnsureGraph(ctx, s.cameraID, func() (media.Source, error) {
		return rtsp.NewSource(s.cameraID, streamURL(stream, cam), m.cfg.Pipeline.SourceConnectTimeout(), m.logger.Logger.WithField("component", "rtsp"))
	})
	if err != nil {
		return "", err
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers()})
	if err != nil {
		return "", err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", string(s.cameraID))
	if err != nil {
		pc.Close()
		return "", err
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return "", err
	}

	branchID := types.BranchID("live-" + string(s.id))
	if err := g.AddBranch(branchID, newViewerSink(track), engine.QueueLeaky); err != nil {
		pc.Close()
		return "", err
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.onConnected(s)
		case webrtc.PeerConnectionStateFailed:
			m.failSession(s, "transport_failed")
		case webrtc.PeerConnectionStateDisconnected:
			s.touch()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		m.detachBranch(s.cameraID, branchID)
		pc.Close()
		return "", errs.Wrap(errs.NegotiationFailed, err, "invalid offer for session %s", s.id)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.detachBranch(s.cameraID, branchID)
		pc.Close()
		return "", errs.Wrap(errs.NegotiationFailed, err, "failed to create answer for session %s", s.id)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.detachBranch(s.cameraID, branchID)
		pc.Close()
		return "", errs.Wrap(errs.NegotiationFailed, err, "failed to apply answer for session %s", s.id)
	}

	s.mu.Lock()
	s.pc = pc
	s.branchID = branchID
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.WithError(err).WithField("session_id", s.id).Warn("failed to apply queued ice candidate")
		}
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"camera_id":  s.cameraID,
	}).Info("offer accepted")
	return pc.LocalDescription().SDP, nil
}

func (m *manager) AddICECandidate(ctx context.Context, sessionID types.SessionID, candidate webrtc.ICECandidateInit) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Candidates arriving after teardown are acknowledged, not errors; the
	// client may still be trickling while the close races it.
	if s.state == StateClosed || s.state == StateFailed {
		return nil
	}

	key := candidateKey(candidate)
	if _, dup := s.seen[key]; dup {
		return nil
	}
	s.seen[key] = struct{}{}
	s.lastActivity = time.Now().UTC()

	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		return nil
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		return errs.Wrap(errs.NegotiationFailed, err, "ice candidate rejected for session %s", sessionID)
	}
	return nil
}

func (m *manager) CloseSession(ctx context.Context, sessionID types.SessionID) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	// The closed session stays in the map as a tombstone until the janitor
	// reaps it, so late ICE candidates resolve instead of erroring.
	m.teardown(s, StateClosed, "")
	m.logger.WithField("session_id", sessionID).Info("session closed")
	return nil
}

func (m *manager) GetSession(sessionID types.SessionID) (*Info, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.info(), nil
}

func (m *manager) ListSessions() []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

func (m *manager) get(sessionID types.SessionID) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.E(errs.NotFound, "session %s not found", sessionID)
	}
	return s, nil
}

func (m *manager) onConnected(s *session) {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.lastActivity = time.Now().UTC()
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
	}
	s.mu.Unlock()

	metrics.ActiveSessions.Inc()
	m.logger.WithField("session_id", s.id).Info("session connected")
}

// failSession moves a session to failed and releases its media resources.
// Terminal states are never overwritten.
func (m *manager) failSession(s *session, reason string) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	m.teardown(s, StateFailed, reason)
	metrics.SessionFailures.WithLabelValues(reason).Inc()
	m.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"reason":     reason,
	}).Warn("session failed")
}

func (m *manager) teardown(s *session, final State, reason string) {
	s.mu.Lock()
	if s.state == StateClosed || (s.state == StateFailed && final == StateFailed) {
		s.mu.Unlock()
		return
	}
	wasConnected := s.state == StateConnected
	s.state = final
	s.failReason = reason
	pc := s.pc
	branchID := s.branchID
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
	}
	s.mu.Unlock()

	if branchID != "" {
		m.detachBranch(s.cameraID, branchID)
	}
	if pc != nil {
		pc.Close()
	}
	if wasConnected {
		metrics.ActiveSessions.Dec()
	}
}

func (m *manager) detachBranch(cameraID types.CameraID, branchID types.BranchID) {
	g, err := m.eng.GetGraph(cameraID)
	if err != nil {
		return
	}
	if err := g.RemoveBranch(branchID); err != nil && !errs.IsKind(err, errs.NotFound) {
		m.logger.WithError(err).WithField("branch_id", branchID).Warn("failed to detach viewer branch")
	}
	m.eng.ReleaseGraph(cameraID)
}

// janitor reaps sessions with no activity inside the inactivity window.
// Connected sessions are kept alive by transport state callbacks.
func (m *manager) janitor(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timeout := m.cfg.WebRTC.SessionInactivityTimeout()
			cutoff := time.Now().UTC().Add(-timeout)
			for _, s := range m.snapshot() {
				s.mu.Lock()
				stale := s.lastActivity.Before(cutoff)
				terminal := s.state == StateClosed || s.state == StateFailed
				connected := s.state == StateConnected
				s.mu.Unlock()
				switch {
				case terminal && stale:
					m.mu.Lock()
					delete(m.sessions, s.id)
					m.mu.Unlock()
				case !terminal && !connected && stale:
					m.failSession(s, "inactivity_timeout")
				}
			}
		}
	}
}

func (m *manager) snapshot() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func streamURL(st *store.Stream, cam *store.Camera) string {
	return rtsp.URLWithCredentials(st.URL, cam.Username, cam.Password)
}
