package semantic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/zenith/forensics/pb"
)

func TestLocalSimilarityExactMatch(t *testing.T) {
	l := NewLocal(0, 0)
	score, err := l.Similarity(context.Background(), "Pembayaran Semen", "pembayaran semen")
	require.NoError(t, err)
	assert.Equal(t, 1.0, score, "case and punctuation differences are exact matches")
}

func TestLocalSimilarityTokenSortShortCircuit(t *testing.T) {
	l := NewLocal(0, 0)
	score, err := l.Similarity(context.Background(), "semen pembayaran proyek", "pembayaran proyek semen")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.85)
}

func TestLocalSimilarityDisjoint(t *testing.T) {
	l := NewLocal(0, 0)
	score, err := l.Similarity(context.Background(), "pembayaran semen", "honor konsultan pengawas")
	require.NoError(t, err)
	assert.Less(t, score, 0.5)
}

func TestEmbedDeterministicAndCached(t *testing.T) {
	l := NewLocal(64, 100)
	ctx := context.Background()

	a, err := l.Embed(ctx, "pembayaran semen | PT Semen Indonesia")
	require.NoError(t, err)
	require.Len(t, a, 64)

	b, err := l.Embed(ctx, "pembayaran semen | PT Semen Indonesia")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, l.CacheSize())

	// Unit norm.
	var norm float64
	for _, x := range a {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestEmbedCacheCap(t *testing.T) {
	l := NewLocal(16, 2)
	ctx := context.Background()
	_, _ = l.Embed(ctx, "one")
	_, _ = l.Embed(ctx, "two")
	_, _ = l.Embed(ctx, "three")
	assert.Equal(t, 2, l.CacheSize(), "cache stops growing at the cap")
}

type failingClient struct{}

func (failingClient) Embed(context.Context, *pb.EmbedRequest, ...grpc.CallOption) (*pb.EmbedResponse, error) {
	return nil, errors.New("unavailable")
}

func (failingClient) Similarity(context.Context, *pb.SimilarityRequest, ...grpc.CallOption) (*pb.SimilarityResponse, error) {
	return nil, errors.New("unavailable")
}

func TestRemoteDegradesToLocal(t *testing.T) {
	r := NewRemote(failingClient{}, NewLocal(0, 0))

	score, err := r.Similarity(context.Background(), "pembayaran semen", "pembayaran semen")
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	v, err := r.Embed(context.Background(), "pembayaran semen")
	require.NoError(t, err)
	assert.Len(t, v, DefaultDim)
}

type scoringClient struct{ score float64 }

func (c scoringClient) Embed(_ context.Context, in *pb.EmbedRequest, _ ...grpc.CallOption) (*pb.EmbedResponse, error) {
	return &pb.EmbedResponse{Vector: []float64{1, 0}, Dim: 2}, nil
}

func (c scoringClient) Similarity(context.Context, *pb.SimilarityRequest, ...grpc.CallOption) (*pb.SimilarityResponse, error) {
	return &pb.SimilarityResponse{Score: c.score}, nil
}

func TestRemotePassesThroughScores(t *testing.T) {
	r := NewRemote(scoringClient{score: 0.91}, NewLocal(0, 0))
	score, err := r.Similarity(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 0.91, score)
}
