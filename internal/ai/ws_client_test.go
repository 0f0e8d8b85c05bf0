package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func streamServer(t *testing.T, frames []FrameResponse, wantToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/stream" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "42", r.URL.Query().Get("camera_id"))
		assert.Equal(t, "rtsp://10.0.0.42/s", r.URL.Query().Get("url"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for i := range frames {
			require.NoError(t, conn.WriteJSON(&frames[i]))
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
}

func TestOpenCameraStream_ReceivesFramesThenEOF(t *testing.T) {
	frames := []FrameResponse{
		{CameraID: 42, FrameID: 1, Faces: nil},
		{CameraID: 42, FrameID: 2, Faces: []Face{{Embedding: []float32{1, 0}, Quality: FaceQuality{Overall: 0.9}}}},
	}
	srv := streamServer(t, frames, "secret")
	defer srv.Close()

	client := NewWSClient(srv.URL, "secret", 0, 0)
	stream, err := client.OpenCameraStream(context.Background(), 42, "rtsp://10.0.0.42/s")
	require.NoError(t, err)
	defer stream.Close()

	f1, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, int64(1), f1.FrameID)
	assert.Empty(t, f1.Faces)

	f2, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, int64(2), f2.FrameID)
	require.Len(t, f2.Faces, 1)
	assert.Equal(t, []float32{1, 0}, f2.Faces[0].Embedding)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestOpenCameraStream_RejectedToken(t *testing.T) {
	srv := streamServer(t, nil, "secret")
	defer srv.Close()

	client := NewWSClient(srv.URL, "wrong", 0, 0)
	_, err := client.OpenCameraStream(context.Background(), 42, "rtsp://10.0.0.42/s")
	assert.Error(t, err)
}

func TestExtractEmbedding(t *testing.T) {
	image := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/extract", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		decoded, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		require.NoError(t, err)
		assert.Equal(t, image, decoded)
		assert.Equal(t, "3", req.CameraID)

		json.NewEncoder(w).Encode(&ExtractResult{
			Success:      true,
			FaceDetected: true,
			Faces: []Face{
				{Quality: FaceQuality{Overall: 0.4}, Embedding: []float32{0, 1}},
				{Quality: FaceQuality{Overall: 0.9}, Embedding: []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	client := NewWSClient(srv.URL, "secret", 0, 0)
	res, err := client.ExtractEmbedding(context.Background(), image, "3")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Faces, 2)

	best := res.BestFace()
	require.NotNil(t, best)
	assert.Equal(t, []float32{1, 0}, best.Embedding)
}

func TestExtractEmbedding_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "embedding model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewWSClient(srv.URL, "", 0, 0)
	_, err := client.ExtractEmbedding(context.Background(), []byte{1}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestNewWSClient_Timeouts(t *testing.T) {
	c := NewWSClient("http://ai:8095", "", 3*time.Second, 45*time.Second)
	assert.Equal(t, 3*time.Second, c.Dialer.HandshakeTimeout)
	assert.Equal(t, 45*time.Second, c.HTTPClient.Timeout)

	// Zero values fall back to the shipped defaults.
	c = NewWSClient("http://ai:8095", "", 0, 0)
	assert.Equal(t, 10*time.Second, c.Dialer.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, c.HTTPClient.Timeout)
}

func TestBestFace_EmptyResult(t *testing.T) {
	res := &ExtractResult{Success: true}
	assert.Nil(t, res.BestFace())
}
