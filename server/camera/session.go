package camera

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/cyclopcam/logs"
	"github.com/pion/rtp"

	"github.com/snapfeed/snapfeed/pkg/backoff"
	"github.com/snapfeed/snapfeed/server/config"
)

// SessionState is the connectivity state of one camera's RTSP session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateStreaming:
		return "Streaming"
	case StateBackoff:
		return "Backoff"
	}
	return "Unknown"
}

var errNoH264Track = errors.New("no H264 track found")

const rtspIOTimeout = 10 * time.Second

// Session maintains a live RTSP connection to one camera, and feeds decoded
// media into its FrameExtractor. It owns the only handle to the camera's
// network transport.
//
// The session cycles Connecting -> Streaming -> Backoff -> Connecting until
// Stop is called. Handshake failures and mid-stream failures both route
// through Backoff with exponentially increasing, jittered delays. A watchdog
// tears the connection down if the camera goes silent while streaming.
type Session struct {
	log       logs.Log
	cam       config.Camera
	extractor *FrameExtractor
	liveness  time.Duration
	backoff   *backoff.Backoff

	state        atomic.Int32
	lastPacketAt atomic.Int64 // unix nanoseconds of the most recent RTP packet

	// dial runs one connection attempt and blocks while media flows.
	// It's a field so that tests can substitute a fake transport.
	dial func(ctx context.Context) error

	// How often the watchdog checks for stream silence
	watchInterval time.Duration

	startStopLock sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	stopped       bool
}

func NewSession(log logs.Log, cam config.Camera, extractor *FrameExtractor, liveness time.Duration) *Session {
	s := &Session{
		log:       logs.NewPrefixLogger(log, "Session "+cam.Name+":"),
		cam:       cam,
		extractor: extractor,
		liveness:  liveness,
		backoff:   backoff.New(time.Second, 60*time.Second),
	}
	s.dial = s.dialRTSP
	s.watchInterval = liveness / 4
	if s.watchInterval < time.Second {
		s.watchInterval = time.Second
	}
	return s
}

// Start launches the connection maintenance loop.
// Idempotent: calling Start on a running or stopped session does nothing.
func (s *Session) Start() {
	s.startStopLock.Lock()
	defer s.startStopLock.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop cancels any in-flight handshake or stream read, waits for the
// connection loop to exit, and leaves the session in a terminal
// Disconnected state.
func (s *Session) Stop() {
	s.startStopLock.Lock()
	s.stopped = true
	cancel := s.cancel
	done := s.done
	s.startStopLock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.extractor.Close()
}

// State returns the current connectivity state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateDisconnected)
	for {
		s.setState(StateConnecting)
		err := s.dialProtected(ctx)
		if ctx.Err() != nil {
			return
		}
		s.setState(StateBackoff)
		delay := s.backoff.Next()
		s.log.Warnf("Stream failed (%v consecutive): %v. Next attempt in %v", s.backoff.Failures(), err, delay.Round(time.Millisecond))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// dialProtected runs one connection attempt inside a panic handler, so that
// a crash in the RTSP client or the decoder feeds into the normal backoff
// cycle instead of taking the process down.
func (s *Session) dialProtected(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Panic in stream connection: %v\n%v", r, string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.dial(ctx)
}

// dialRTSP performs one RTSP connection cycle: handshake, play, then block
// until the stream dies, the watchdog fires, or ctx is cancelled.
func (s *Session) dialRTSP(ctx context.Context) error {
	u, err := base.ParseURL(s.cam.StreamURL())
	if err != nil {
		return fmt.Errorf("Invalid stream URL: %w", err)
	}

	client := &gortsplib.Client{
		ReadTimeout:  rtspIOTimeout,
		WriteTimeout: rtspIOTimeout,
	}
	switch s.cam.Transport {
	case "tcp":
		t := gortsplib.TransportTCP
		client.Transport = &t
	case "udp":
		t := gortsplib.TransportUDP
		client.Transport = &t
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("Failed to connect: %w", err)
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return fmt.Errorf("DESCRIBE failed: %w", err)
	}

	var forma *format.H264
	media := desc.FindFormat(&forma)
	if media == nil {
		return errNoH264Track
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return fmt.Errorf("Failed to create RTP decoder: %w", err)
	}

	if err := s.extractor.Begin(forma.SPS, forma.PPS); err != nil {
		return err
	}

	if _, err := client.Setup(desc.BaseURL, media, 0, 0); err != nil {
		return fmt.Errorf("SETUP failed: %w", err)
	}

	// The callback runs on gortsplib's reader goroutine, so a panic in the
	// depacketizer or the decoder would kill the process. Route it through
	// the watchdog instead, which tears the connection down and reconnects.
	handlerErr := make(chan error, 1)
	client.OnPacketRTP(media, forma, func(pkt *rtp.Packet) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("Panic in packet handler: %v\n%v", r, string(debug.Stack()))
				select {
				case handlerErr <- fmt.Errorf("panic in packet handler: %v", r):
				default:
				}
			}
		}()
		s.lastPacketAt.Store(time.Now().UnixNano())
		au, err := rtpDec.Decode(pkt)
		if err != nil {
			// These two are just the depacketizer accumulating fragments
			if err != rtph264.ErrNonStartingPacketAndNoPrevious && err != rtph264.ErrMorePacketsNeeded {
				s.log.Debugf("RTP depacketize error: %v", err)
			}
			return
		}
		s.extractor.OnAccessUnit(au)
	})

	s.lastPacketAt.Store(time.Now().UnixNano())
	if _, err := client.Play(nil); err != nil {
		return fmt.Errorf("PLAY failed: %w", err)
	}

	s.setState(StateStreaming)
	s.backoff.Reset()
	s.log.Infof("Streaming")

	return s.watch(ctx, client, handlerErr)
}

// rtspConn is the subset of gortsplib.Client that the watchdog needs.
type rtspConn interface {
	Wait() error
	Close()
}

// watch blocks until the stream errors out, the packet handler reports a
// failure, the camera goes silent for longer than the liveness window, or
// ctx is cancelled.
func (s *Session) watch(ctx context.Context, conn rtspConn, handlerErr <-chan error) error {
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- conn.Wait()
	}()

	check := time.NewTicker(s.watchInterval)
	defer check.Stop()

	for {
		select {
		case err := <-streamErr:
			return err
		case err := <-handlerErr:
			conn.Close()
			<-streamErr
			return err
		case <-check.C:
			silence := time.Since(time.Unix(0, s.lastPacketAt.Load()))
			if silence > s.liveness {
				conn.Close()
				<-streamErr
				return fmt.Errorf("no media for %v", silence.Round(time.Second))
			}
		case <-ctx.Done():
			conn.Close()
			<-streamErr
			return ctx.Err()
		}
	}
}
