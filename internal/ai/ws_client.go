package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient talks to the AI service: frame streams over WebSocket, unary
// extraction over plain HTTP. Both carry the same bearer token.
type WSClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewWSClient builds a client for the AI service. dialTimeout bounds the
// WebSocket handshake, callTimeout bounds unary extract calls; zero values
// fall back to 10s and 30s.
func NewWSClient(baseURL, token string, dialTimeout, callTimeout time.Duration) *WSClient {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &WSClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: callTimeout,
		},
		Dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
	}
}

// OpenCameraStream upgrades GET /v1/stream to a WebSocket carrying one JSON
// FrameResponse per message. The connection is not bound to ctx after the
// handshake; callers that need cancellation close the stream.
func (c *WSClient) OpenCameraStream(ctx context.Context, cameraID int64, streamURL string) (FrameStream, error) {
	u, err := url.Parse(c.BaseURL + "/v1/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("camera_id", strconv.FormatInt(cameraID, 10))
	q.Set("url", streamURL)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	conn, resp, err := c.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("AI stream dial: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("AI stream dial: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Recv() (*FrameResponse, error) {
	var frame FrameResponse
	if err := s.conn.ReadJSON(&frame); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &frame, nil
}

func (s *wsStream) Close() error {
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

type extractRequest struct {
	ImageBase64 string `json:"image_base64"`
	CameraID    string `json:"camera_id,omitempty"`
}

// ExtractEmbedding posts a still image for unary embedding extraction.
func (c *WSClient) ExtractEmbedding(ctx context.Context, image []byte, cameraRef string) (*ExtractResult, error) {
	payload := extractRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		CameraID:    cameraRef,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/extract", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b := make([]byte, 512)
		n, _ := resp.Body.Read(b)
		return nil, fmt.Errorf("AI extract: status=%d, body=%s", resp.StatusCode, string(b[:n]))
	}

	var out ExtractResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
