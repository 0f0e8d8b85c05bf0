package ai

// BBox locates a detected face within a frame, normalized to [0, 1].
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FaceQuality is the detector's assessment of one face crop.
type FaceQuality struct {
	Overall    float64 `json:"overall"`
	Sharpness  float64 `json:"sharpness"`
	Brightness float64 `json:"brightness"`
	FacePx     int     `json:"face_px"`
}

// Face is one detected face with its embedding vector.
type Face struct {
	BBox      BBox        `json:"bbox"`
	Quality   FaceQuality `json:"quality"`
	Embedding []float32   `json:"embedding"`
}

// FrameResponse is a single message on a camera detection stream. Frames
// with an empty Faces list still arrive and drive the heartbeat counter.
type FrameResponse struct {
	CameraID int64  `json:"camera_id"`
	FrameID  int64  `json:"frame_id"`
	Faces    []Face `json:"faces"`
}

// ExtractResult is the response to a unary embedding extraction over a
// still image. Success=false with an error code means the AI service
// processed the request but could not use the image.
type ExtractResult struct {
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	FaceDetected bool   `json:"face_detected"`
	Faces        []Face `json:"faces"`
}

// BestFace returns the detected face with the highest overall quality, or
// nil when none were detected.
func (r *ExtractResult) BestFace() *Face {
	var best *Face
	for i := range r.Faces {
		if best == nil || r.Faces[i].Quality.Overall > best.Quality.Overall {
			best = &r.Faces[i]
		}
	}
	return best
}
