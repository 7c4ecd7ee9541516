// Package pb carries the hand-written gRPC contract for the external
// semantic service: text embedding and pairwise similarity. The wire schema
// is owned by the service deployment; these types mirror it for the client
// side, with a mock for tests and air-gapped development.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// EmbedRequest asks for a fixed-dimension embedding of one text.
type EmbedRequest struct {
	Text string
	Dim  int32 // 0 lets the service pick (384 or 768)
}

// EmbedResponse carries the vector. Dim always matches len(Vector).
type EmbedResponse struct {
	Vector      []float64
	Dim         int32
	Model       string
	GeneratedAt *timestamppb.Timestamp
}

// SimilarityRequest asks for the semantic similarity of two texts.
type SimilarityRequest struct {
	A string
	B string
}

// SimilarityResponse carries a score in [0,1].
type SimilarityResponse struct {
	Score float64
	Model string
}

// SemanticServiceClient is the client surface the engine depends on.
type SemanticServiceClient interface {
	Embed(ctx context.Context, in *EmbedRequest, opts ...grpc.CallOption) (*EmbedResponse, error)
	Similarity(ctx context.Context, in *SimilarityRequest, opts ...grpc.CallOption) (*SimilarityResponse, error)
}

// MockSemanticClient returns degenerate but well-formed responses: a zero
// vector of the requested dimension and a score of zero. Tests that need
// real scores stub SemanticServiceClient themselves.
type MockSemanticClient struct{}

func (m *MockSemanticClient) Embed(_ context.Context, in *EmbedRequest, _ ...grpc.CallOption) (*EmbedResponse, error) {
	dim := in.Dim
	if dim <= 0 {
		dim = 384
	}
	return &EmbedResponse{
		Vector:      make([]float64, dim),
		Dim:         dim,
		Model:       "mock",
		GeneratedAt: timestamppb.Now(),
	}, nil
}

func (m *MockSemanticClient) Similarity(_ context.Context, _ *SimilarityRequest, _ ...grpc.CallOption) (*SimilarityResponse, error) {
	return &SimilarityResponse{Score: 0, Model: "mock"}, nil
}
