// Package ai is the client for the external detection service that decodes
// camera streams and computes face embeddings. The backend never touches
// video itself; everything arrives here as frames or extraction results.
package ai

import (
	"context"
)

// FrameStream is a live sequence of detection frames for one camera. Recv
// blocks until the next frame arrives and returns io.EOF when the service
// ends the stream normally.
type FrameStream interface {
	Recv() (*FrameResponse, error)
	Close() error
}

// Client is the contract with the AI service. Transport failures from
// OpenCameraStream and Recv are retryable; the camera supervisor owns the
// backoff policy.
type Client interface {
	OpenCameraStream(ctx context.Context, cameraID int64, streamURL string) (FrameStream, error)
	ExtractEmbedding(ctx context.Context, image []byte, cameraRef string) (*ExtractResult, error)
}
