package recognition

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/ai"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/snapshot"
)

// MinEmbeddingLength is the default minimum vector length accepted for
// matching. Anything shorter comes from a truncated or mis-encoded payload.
// Deployments running a different embedding model override it via
// face_recognition.min_embedding_length.
const MinEmbeddingLength = 128

// Confidence buckets for observability. They never affect the match
// decision; that is the policy threshold's job.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// ConfidenceBucket maps a similarity to a coarse label for metrics and logs.
func ConfidenceBucket(similarity float64) string {
	switch {
	case similarity >= 0.85:
		return ConfidenceHigh
	case similarity >= 0.65:
		return ConfidenceMedium
	case similarity > 0:
		return ConfidenceLow
	default:
		return ConfidenceNone
	}
}

// TransientError is returned when a backend dependency fails during
// verification. Callers see a generic message; the ref ties the response to
// detailed server logs.
type TransientError struct {
	Ref string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("verification temporarily unavailable (ref %s)", e.Ref)
}

// SnapshotSource is the read side of the snapshot store.
type SnapshotSource interface {
	Current() []*snapshot.FaceProfileSnapshot
}

// Extractor is the unary face-extraction half of the AI client.
type Extractor interface {
	ExtractEmbedding(ctx context.Context, image []byte, cameraRef string) (*ai.ExtractResult, error)
}

// Enroller accepts auto-enrollment candidates without blocking.
type Enroller interface {
	Offer(c Candidate) bool
}

// Service orchestrates extract, policy, match and the auto-enrollment hook.
// It is stateless and safe for concurrent callers.
type Service struct {
	store     SnapshotSource
	resolver  *PolicyResolver
	extractor Extractor
	enroller  Enroller
	minLen    int
}

// NewService wires the verification pipeline. extractor may be nil when only
// VerifyEmbedding is used; enroller may be nil to disable auto-enrollment.
// minEmbeddingLength <= 0 falls back to MinEmbeddingLength.
func NewService(store SnapshotSource, resolver *PolicyResolver, extractor Extractor, enroller Enroller, minEmbeddingLength int) *Service {
	if minEmbeddingLength <= 0 {
		minEmbeddingLength = MinEmbeddingLength
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		extractor: extractor,
		enroller:  enroller,
		minLen:    minEmbeddingLength,
	}
}

// VerifyEmbedding matches one embedding under the camera's policy. Invalid
// input and policy denials are ordinary no-match results, not errors.
func (s *Service) VerifyEmbedding(ctx context.Context, vec []float32, cameraRef string) MatchResult {
	if len(vec) < s.minLen {
		metrics.RecordRecognition("invalid_input", ConfidenceNone)
		return MatchResult{}
	}

	policy := s.resolver.Resolve(ctx, cameraRef)
	if policy.Mode == data.ModeDisabled {
		metrics.RecordRecognition("policy_disabled", ConfidenceNone)
		return MatchResult{}
	}

	snaps := s.store.Current()
	if len(snaps) == 0 {
		metrics.RecordRecognition("empty_snapshot", ConfidenceNone)
		return MatchResult{}
	}

	result := Match(vec, snaps, policy.Threshold)
	confidence := ConfidenceBucket(result.Similarity)

	if policy.Mode == data.ModeObserveOnly {
		log.Printf("[Recognition] observe-only camera=%s match=%t similarity=%.3f", cameraRef, result.IsMatch, result.Similarity)
		metrics.RecordRecognition("observe_only", confidence)
		return MatchResult{Similarity: result.Similarity}
	}

	if result.IsMatch {
		metrics.RecordRecognition("match", confidence)
		log.Printf("[Recognition] match camera=%s user=%s profile=%s similarity=%.3f confidence=%s",
			cameraRef, result.UserID, result.ProfileID, result.Similarity, confidence)
		if s.enroller != nil {
			s.enroller.Offer(Candidate{
				UserID:    result.UserID,
				ProfileID: result.ProfileID,
				Embedding: vec,
			})
		}
	} else {
		metrics.RecordRecognition("no_match", confidence)
	}
	return result
}

// VerifyImage extracts an embedding from a still image and matches it. AI
// transport failures surface as a TransientError with a correlation ref.
func (s *Service) VerifyImage(ctx context.Context, image []byte, cameraRef string) (MatchResult, error) {
	if len(image) == 0 {
		metrics.RecordRecognition("invalid_input", ConfidenceNone)
		return MatchResult{}, nil
	}

	res, err := s.extractor.ExtractEmbedding(ctx, image, cameraRef)
	if err != nil {
		ref := uuid.New().String()
		log.Printf("[Recognition] [ERROR] embedding extraction failed ref=%s camera=%s: %v", ref, cameraRef, err)
		metrics.RecordExtract("error")
		return MatchResult{}, &TransientError{Ref: ref}
	}

	if !res.Success {
		log.Printf("[Recognition] extraction rejected camera=%s code=%s: %s", cameraRef, res.ErrorCode, res.ErrorMessage)
		metrics.RecordExtract("rejected")
		return MatchResult{}, nil
	}
	if !res.FaceDetected || len(res.Faces) == 0 {
		metrics.RecordExtract("no_face")
		return MatchResult{}, nil
	}
	metrics.RecordExtract("ok")

	face := res.BestFace()
	return s.VerifyEmbedding(ctx, face.Embedding, cameraRef), nil
}
