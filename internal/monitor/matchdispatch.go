package monitor

import (
	"context"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/recognition"
)

// MatchEvent is one positive match handed off from a stream goroutine.
type MatchEvent struct {
	CameraID int64
	FrameID  int64
	Result   recognition.MatchResult
}

// MatchHandler processes one event. ctx carries the per-event deadline.
type MatchHandler func(ctx context.Context, ev MatchEvent)

// MatchDispatcher is the bounded hand-off between stream goroutines and the
// match handler: Offer never blocks, one drain goroutine applies the handler.
// A full queue drops the newest event; matches repeat while the person stays
// in frame, and incident dedupe absorbs the loss.
type MatchDispatcher struct {
	handler MatchHandler
	timeout time.Duration
	queue   chan MatchEvent
}

func NewMatchDispatcher(handler MatchHandler, queueSize int, handleTimeout time.Duration) *MatchDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if handleTimeout <= 0 {
		handleTimeout = 5 * time.Second
	}
	return &MatchDispatcher{
		handler: handler,
		timeout: handleTimeout,
		queue:   make(chan MatchEvent, queueSize),
	}
}

// Hook adapts the dispatcher to the supervisor's MatchHook contract.
func (d *MatchDispatcher) Hook() MatchHook {
	return func(cameraID, frameID int64, result recognition.MatchResult) {
		d.Offer(MatchEvent{CameraID: cameraID, FrameID: frameID, Result: result})
	}
}

// Offer enqueues without blocking.
func (d *MatchDispatcher) Offer(ev MatchEvent) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		log.Printf("[Supervisor] [WARN] match queue full, dropping match for camera %d frame %d",
			ev.CameraID, ev.FrameID)
		return false
	}
}

// Run drains the queue until ctx is cancelled. Each event gets its own
// deadline so one slow handler call cannot back the queue up indefinitely.
func (d *MatchDispatcher) Run(ctx context.Context) {
	log.Printf("[Supervisor] match dispatcher started, queue capacity %d", cap(d.queue))
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Supervisor] match dispatcher stopped")
			return
		case ev := <-d.queue:
			hctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			d.handler(hctx, ev)
			cancel()
		}
	}
}
