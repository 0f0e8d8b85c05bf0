// Package monitor runs one long-lived worker per active camera: it holds the
// AI detection stream open, feeds every detected face through recognition,
// and reconnects with bounded exponential backoff when the stream fails.
package monitor

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/technosupport/ts-sentinel/internal/ai"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/recognition"
)

// ErrRetriesExhausted marks a session that hit the retry cap. The camera
// stays down until an operator restarts it.
var ErrRetriesExhausted = errors.New("camera stream retries exhausted")

// heartbeatEvery is the number of consecutive faceless frames between
// heartbeat observations for a quiet stream.
const heartbeatEvery = 100

type Config struct {
	MaxRetryAttempts int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	StopTimeout      time.Duration
}

// Recognizer is the slice of the recognition service the supervisor drives.
type Recognizer interface {
	VerifyEmbedding(ctx context.Context, vec []float32, cameraRef string) recognition.MatchResult
}

// MatchHook receives positive matches, typically to raise incidents. It runs
// on the stream goroutine and must not block; wire a bounded hand-off.
type MatchHook func(cameraID, frameID int64, result recognition.MatchResult)

// session is the runtime state of one monitored camera.
type session struct {
	cameraID  int64
	streamURL string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	attempt   int
	lastError string
}

func (s *session) recordAttempt(n int) {
	s.mu.Lock()
	s.attempt = n
	s.mu.Unlock()
}

func (s *session) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// SessionStatus is the ops view of one session.
type SessionStatus struct {
	CameraID  int64     `json:"camera_id"`
	StreamURL string    `json:"stream_url"`
	StartedAt time.Time `json:"started_at"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor owns the session table. Cameras are independent; all sessions
// share the AI client and the recognizer.
type Supervisor struct {
	cfg        Config
	client     ai.Client
	recognizer Recognizer
	onMatch    MatchHook

	mu       sync.Mutex
	sessions map[int64]*session
	wg       sync.WaitGroup
}

func NewSupervisor(cfg Config, client ai.Client, recognizer Recognizer, onMatch MatchHook) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		client:     client,
		recognizer: recognizer,
		onMatch:    onMatch,
		sessions:   make(map[int64]*session),
	}
}

// Start registers a session and spawns its worker. A camera that already has
// a session is left alone and Start reports false.
func (s *Supervisor) Start(cameraID int64, streamURL string) bool {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		cameraID:  cameraID,
		streamURL: streamURL,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.sessions[cameraID]; exists {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.sessions[cameraID] = sess
	metrics.SetActiveSessions(len(s.sessions))
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, sess)

	log.Printf("[Supervisor] camera %d: monitoring started (%s)", cameraID, streamURL)
	return true
}

// Stop cancels a session and waits for its worker within StopTimeout. A
// worker that does not exit in time is logged and left to the pending
// cancellation. Returns false when no session existed.
func (s *Supervisor) Stop(cameraID int64) bool {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	if ok {
		delete(s.sessions, cameraID)
		metrics.SetActiveSessions(len(s.sessions))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	sess.cancel()
	select {
	case <-sess.done:
		log.Printf("[Supervisor] camera %d: monitoring stopped", cameraID)
	case <-time.After(s.cfg.StopTimeout):
		log.Printf("[Supervisor] [WARN] camera %d: worker did not exit within %v, cancellation left pending",
			cameraID, s.cfg.StopTimeout)
	}
	return true
}

// ActiveSessions snapshots the session table for the ops endpoint.
func (s *Supervisor) ActiveSessions() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		out = append(out, SessionStatus{
			CameraID:  sess.cameraID,
			StreamURL: sess.streamURL,
			StartedAt: sess.startedAt,
			Attempt:   sess.attempt,
			LastError: sess.lastError,
		})
		sess.mu.Unlock()
	}
	return out
}

// Shutdown cancels every session and waits for all workers, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.cancel()
	}
	s.sessions = make(map[int64]*session)
	metrics.SetActiveSessions(0)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[Supervisor] all sessions stopped")
	case <-ctx.Done():
		log.Printf("[Supervisor] [WARN] shutdown timed out waiting for workers")
	}
}

// run is the per-camera supervisor loop: stream until EOF or error, back off,
// reconnect, give up after MaxRetryAttempts.
func (s *Supervisor) run(ctx context.Context, sess *session) {
	defer s.wg.Done()
	defer close(sess.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++
		sess.recordAttempt(attempt)

		err := s.runStreamOnce(ctx, sess)
		if ctx.Err() != nil {
			log.Printf("[Supervisor] camera %d: cancelled", sess.cameraID)
			return
		}
		if err == nil {
			log.Printf("[Supervisor] camera %d: stream ended, reconnecting (attempt %d)", sess.cameraID, attempt)
		} else {
			sess.recordError(err)
			log.Printf("[Supervisor] [ERROR] camera %d: stream failed (attempt %d): %v", sess.cameraID, attempt, err)
		}

		if attempt >= s.cfg.MaxRetryAttempts {
			log.Printf("[Supervisor] [CRITICAL] camera %d: %v after %d attempts, disabling until restarted",
				sess.cameraID, ErrRetriesExhausted, attempt)
			metrics.RecordSessionExhausted()
			s.unregister(sess.cameraID)
			return
		}

		metrics.RecordStreamRetry()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(s.cfg, attempt)):
		}
	}
}

// backoffDelay is min(base * 2^attempt, max).
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.BaseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	return delay
}

// unregister drops a session that removed itself (retry exhaustion). Stop
// and Shutdown may already have taken it out of the table.
func (s *Supervisor) unregister(cameraID int64) {
	s.mu.Lock()
	if _, ok := s.sessions[cameraID]; ok {
		delete(s.sessions, cameraID)
		metrics.SetActiveSessions(len(s.sessions))
	}
	s.mu.Unlock()
}

// runStreamOnce opens the detection stream and consumes frames in receive
// order until EOF, an error, or cancellation. io.EOF (server closed the
// stream cleanly) returns nil.
func (s *Supervisor) runStreamOnce(ctx context.Context, sess *session) error {
	stream, err := s.client.OpenCameraStream(ctx, sess.cameraID, sess.streamURL)
	if err != nil {
		return err
	}

	// Recv has no context of its own; closing the stream is how cancellation
	// reaches it.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-streamDone:
			stream.Close()
		}
	}()

	cameraRef := strconv.FormatInt(sess.cameraID, 10)
	quietFrames := 0
	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		metrics.RecordFrame()

		if len(frame.Faces) == 0 {
			quietFrames++
			if quietFrames%heartbeatEvery == 0 {
				metrics.RecordHeartbeat()
				log.Printf("[Supervisor] camera %d: heartbeat, %d quiet frames (frame %d)",
					sess.cameraID, quietFrames, frame.FrameID)
			}
			continue
		}
		quietFrames = 0

		for _, face := range frame.Faces {
			result := s.recognizer.VerifyEmbedding(ctx, face.Embedding, cameraRef)
			if !result.IsMatch {
				continue
			}
			log.Printf("[Supervisor] camera %d: frame %d matched user=%s similarity=%.3f",
				sess.cameraID, frame.FrameID, result.UserID, result.Similarity)
			if s.onMatch != nil {
				s.onMatch(sess.cameraID, frame.FrameID, result)
			}
		}
	}
}
