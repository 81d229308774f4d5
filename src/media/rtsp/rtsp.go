// Package rtsp connects to camera RTSP endpoints and turns the RTP stream
// into H.264 access units.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/camnvr/camnvr/src/media"
	"github.com/camnvr/camnvr/src/metrics"
	"github.com/camnvr/camnvr/src/pkg/errs"
	"github.com/camnvr/camnvr/src/types"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	h264ClockRate  = 90000
)

// ptsToDuration converts a 90 kHz tick count to a duration. The whole-second
// part is split off first; multiplying the raw tick count by time.Second
// overflows int64 after about 28 hours of stream.
func ptsToDuration(pts int64) time.Duration {
	secs := pts / h264ClockRate
	rem := pts % h264ClockRate
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/h264ClockRate
}

// URLWithCredentials injects camera credentials into a stream URL unless the
// URL already carries its own.
func URLWithCredentials(rawURL, username, password string) string {
	if username == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.User != nil {
		return rawURL
	}
	u.User = url.UserPassword(username, password)
	return u.String()
}

// Source pulls one camera stream over RTSP. It implements media.Source.
type Source struct {
	cameraID       types.CameraID
	url            *base.URL
	connectTimeout time.Duration
	logger         *logrus.Entry
}

// NewSource validates the URL eagerly so a bad address fails at camera
// registration, not at graph construction.
func NewSource(cameraID types.CameraID, rawURL string, connectTimeout time.Duration, logger *logrus.Entry) (*Source, error) {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "invalid rtsp url %q", rawURL)
	}
	return &Source{
		cameraID:       cameraID,
		url:            u,
		connectTimeout: connectTimeout,
		logger:         logger.WithField("camera_id", cameraID),
	}, nil
}

// Run implements media.Source. The first connect is bounded by the configured
// timeout and returns SourceUnreachable on failure. Once connected, read
// errors put the source into a reconnect loop with exponential backoff.
func (s *Source) Run(ctx context.Context, h media.SourceHandler) error {
	sess, err := s.connect(ctx, h)
	if err != nil {
		return errs.Wrap(errs.SourceUnreachable, err, "camera %s at %s", s.cameraID, s.url.Host)
	}

	backoff := initialBackoff
	for {
		err = sess.wait(ctx)
		sess.close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.WithError(err).Warn("rtsp source lost")
		h.OnSourceLost(err)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			metrics.SourceReconnects.WithLabelValues(string(s.cameraID)).Inc()

			sess, err = s.connect(ctx, h)
			if err == nil {
				backoff = initialBackoff
				s.logger.Info("rtsp source recovered")
				h.OnSourceRecovered()
				break
			}
			s.logger.WithError(err).WithField("backoff", backoff).Debug("rtsp reconnect failed")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

type session struct {
	client *gortsplib.Client
	errCh  chan error
}

func (s *session) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.errCh:
		return err
	}
}

func (s *session) close() { s.client.Close() }

// connect performs DESCRIBE/SETUP/PLAY and wires the RTP depacketizer to the
// handler. It returns once the stream is playing.
func (s *Source) connect(ctx context.Context, h media.SourceHandler) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	client := &gortsplib.Client{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	done := make(chan error, 1)
	go func() { done <- s.setup(client, h) }()

	select {
	case <-dialCtx.Done():
		client.Close()
		<-done
		return nil, fmt.Errorf("connect timed out after %s", s.connectTimeout)
	case err := <-done:
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	sess := &session{client: client, errCh: make(chan error, 1)}
	go func() { sess.errCh <- client.Wait() }()
	return sess, nil
}

func (s *Source) setup(client *gortsplib.Client, h media.SourceHandler) error {
	if err := client.Start(s.url.Scheme, s.url.Host); err != nil {
		return fmt.Errorf("failed to start rtsp client: %w", err)
	}

	desc, _, err := client.Describe(s.url)
	if err != nil {
		return fmt.Errorf("describe failed: %w", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return errors.New("no h264 track in stream")
	}

	dec, err := forma.CreateDecoder()
	if err != nil {
		return fmt.Errorf("failed to create h264 decoder: %w", err)
	}

	if _, err = client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	info, err := media.ParseTrackInfo(forma.SPS, forma.PPS)
	if err != nil {
		// Some cameras only send parameter sets in-band; announce a bare
		// track and let the in-band update fill the details.
		s.logger.WithError(err).Debug("sdp carried no usable sps")
		info = &media.TrackInfo{SPS: forma.SPS, PPS: forma.PPS, ClockRate: h264ClockRate}
	}
	h.OnTrack(info)

	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := client.PacketPTS2(medi, pkt)
		if !ok {
			return
		}
		au, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) &&
				!errors.Is(err, rtph264.ErrMorePacketsNeeded) {
				metrics.CorruptFramesSkipped.WithLabelValues(string(s.cameraID)).Inc()
				s.logger.WithError(err).Debug("skipping undecodable access unit")
			}
			return
		}

		ntp, ok := client.PacketNTP(medi, pkt)
		if !ok {
			ntp = time.Now()
		}
		if sps, pps := media.ExtractParameterSets(au); sps != nil {
			if updated, err := media.ParseTrackInfo(sps, pps); err == nil && !updated.Equal(info) {
				info = updated
				h.OnTrack(info)
			}
		}
		h.OnAccessUnit(&media.AccessUnit{
			PTS:   ptsToDuration(pts),
			NTP:   ntp.UTC(),
			Units: au,
		})
	})

	if _, err = client.Play(nil); err != nil {
		return fmt.Errorf("play failed: %w", err)
	}
	return nil
}
