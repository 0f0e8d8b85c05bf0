package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/ai"
	"github.com/technosupport/ts-sentinel/internal/recognition"
)

func testConfig() Config {
	return Config{
		MaxRetryAttempts: 10,
		BaseRetryDelay:   time.Millisecond,
		MaxRetryDelay:    4 * time.Millisecond,
		StopTimeout:      time.Second,
	}
}

// scriptedStream serves a fixed frame sequence, then finalErr. Close
// unblocks a pending Recv the way a real socket close does.
type scriptedStream struct {
	frames   []*ai.FrameResponse
	finalErr error

	mu     sync.Mutex
	pos    int
	closed chan struct{}
	once   sync.Once
}

func newScriptedStream(frames []*ai.FrameResponse, finalErr error) *scriptedStream {
	return &scriptedStream{frames: frames, finalErr: finalErr, closed: make(chan struct{})}
}

func (s *scriptedStream) Recv() (*ai.FrameResponse, error) {
	s.mu.Lock()
	if s.pos < len(s.frames) {
		f := s.frames[s.pos]
		s.pos++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	if s.finalErr != nil {
		return nil, s.finalErr
	}
	// Hold the stream open until Close.
	<-s.closed
	return nil, errors.New("use of closed connection")
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeClient hands out one scripted stream per OpenCameraStream call,
// repeating the last one when the script runs out.
type fakeClient struct {
	mu      sync.Mutex
	streams []func() ai.FrameStream
	openErr error
	opens   int
}

func (c *fakeClient) OpenCameraStream(_ context.Context, _ int64, _ string) (ai.FrameStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.openErr != nil {
		return nil, c.openErr
	}
	i := c.opens - 1
	if i >= len(c.streams) {
		i = len(c.streams) - 1
	}
	return c.streams[i](), nil
}

func (c *fakeClient) ExtractEmbedding(context.Context, []byte, string) (*ai.ExtractResult, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// recordingRecognizer captures every verified embedding in call order.
type recordingRecognizer struct {
	mu      sync.Mutex
	seen    [][]float32
	matchOn float32 // first element that flips IsMatch on
}

func (r *recordingRecognizer) VerifyEmbedding(_ context.Context, vec []float32, _ string) recognition.MatchResult {
	r.mu.Lock()
	r.seen = append(r.seen, vec)
	r.mu.Unlock()
	if len(vec) > 0 && vec[0] == r.matchOn {
		return recognition.MatchResult{IsMatch: true, Similarity: 0.93}
	}
	return recognition.MatchResult{Similarity: 0.2}
}

func (r *recordingRecognizer) calls() [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]float32(nil), r.seen...)
}

func frameWithFaces(frameID int64, firsts ...float32) *ai.FrameResponse {
	f := &ai.FrameResponse{CameraID: 42, FrameID: frameID}
	for _, v := range firsts {
		f.Faces = append(f.Faces, ai.Face{Embedding: []float32{v, 0.5}})
	}
	return f
}

func TestStartIsIdempotent(t *testing.T) {
	client := &fakeClient{streams: []func() ai.FrameStream{
		func() ai.FrameStream { return newScriptedStream(nil, nil) },
	}}
	sup := NewSupervisor(testConfig(), client, &recordingRecognizer{}, nil)
	defer sup.Stop(42)

	assert.True(t, sup.Start(42, "rtsp://cam/42"))
	assert.False(t, sup.Start(42, "rtsp://cam/42"), "second start must not spawn a second worker")

	require.Eventually(t, func() bool { return client.openCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sup.ActiveSessions(), 1)
}

func TestStopRemovesSession(t *testing.T) {
	client := &fakeClient{streams: []func() ai.FrameStream{
		func() ai.FrameStream { return newScriptedStream(nil, nil) },
	}}
	sup := NewSupervisor(testConfig(), client, &recordingRecognizer{}, nil)

	require.True(t, sup.Start(42, "rtsp://cam/42"))
	assert.True(t, sup.Stop(42))
	assert.Empty(t, sup.ActiveSessions())
	assert.False(t, sup.Stop(42), "stopping a stopped camera reports false")
}

func TestBackoffSchedule(t *testing.T) {
	cfg := Config{BaseRetryDelay: 5 * time.Second, MaxRetryDelay: 2 * time.Minute}

	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		2 * time.Minute,
		2 * time.Minute,
	}
	for i, expected := range want {
		assert.Equal(t, expected, backoffDelay(cfg, i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 2*time.Minute, backoffDelay(cfg, 60), "deep attempts stay capped")
}

func TestRetryExhaustionUnregisters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 3
	client := &fakeClient{openErr: errors.New("connection refused")}
	sup := NewSupervisor(cfg, client, &recordingRecognizer{}, nil)

	require.True(t, sup.Start(42, "rtsp://cam/42"))
	require.Eventually(t, func() bool { return len(sup.ActiveSessions()) == 0 },
		time.Second, 5*time.Millisecond, "session should unregister itself")
	assert.Equal(t, 3, client.openCount(), "the capped attempt still runs")
}

func TestFramesProcessedInReceiveOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	frames := []*ai.FrameResponse{
		frameWithFaces(1, 1),
		frameWithFaces(2, 2, 3),
		frameWithFaces(3, 4),
	}
	client := &fakeClient{streams: []func() ai.FrameStream{
		func() ai.FrameStream { return newScriptedStream(frames, io.EOF) },
	}}
	rec := &recordingRecognizer{}
	sup := NewSupervisor(cfg, client, rec, nil)

	require.True(t, sup.Start(42, "rtsp://cam/42"))
	require.Eventually(t, func() bool { return len(rec.calls()) == 4 }, time.Second, 5*time.Millisecond)

	var firsts []float32
	for _, vec := range rec.calls() {
		firsts = append(firsts, vec[0])
	}
	assert.Equal(t, []float32{1, 2, 3, 4}, firsts)
}

func TestFacelessFramesSkipRecognition(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	frames := make([]*ai.FrameResponse, 0, 150)
	for i := 0; i < 150; i++ {
		frames = append(frames, &ai.FrameResponse{CameraID: 42, FrameID: int64(i)})
	}
	done := make(chan struct{})
	client := &fakeClient{streams: []func() ai.FrameStream{
		func() ai.FrameStream { return newScriptedStream(frames, io.EOF) },
	}}
	rec := &recordingRecognizer{}
	sup := NewSupervisor(cfg, client, rec, nil)

	require.True(t, sup.Start(42, "rtsp://cam/42"))
	go func() {
		for len(sup.ActiveSessions()) > 0 {
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not drain")
	}
	assert.Empty(t, rec.calls())
}

func TestMatchHookReceivesMatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryAttempts = 1
	frames := []*ai.FrameResponse{
		frameWithFaces(7, 1), // no match
		frameWithFaces(8, 9), // match
	}
	client := &fakeClient{streams: []func() ai.FrameStream{
		func() ai.FrameStream { return newScriptedStream(frames, io.EOF) },
	}}
	rec := &recordingRecognizer{matchOn: 9}

	var mu sync.Mutex
	var hookFrames []int64
	sup := NewSupervisor(cfg, client, rec, func(cameraID, frameID int64, result recognition.MatchResult) {
		mu.Lock()
		hookFrames = append(hookFrames, frameID)
		mu.Unlock()
	})

	require.True(t, sup.Start(42, "rtsp://cam/42"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hookFrames) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{8}, hookFrames)
	mu.Unlock()
}

func TestShutdownStopsEverything(t *testing.T) {
	client := &fakeClient{streams: []func() ai.FrameStream{
		func() ai.FrameStream { return newScriptedStream(nil, nil) },
	}}
	sup := NewSupervisor(testConfig(), client, &recordingRecognizer{}, nil)

	require.True(t, sup.Start(1, "rtsp://cam/1"))
	require.True(t, sup.Start(2, "rtsp://cam/2"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sup.Shutdown(ctx)
	assert.Empty(t, sup.ActiveSessions())
}
