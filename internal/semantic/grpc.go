package semantic

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zenith/forensics/pb"
)

// Remote delegates to an external embedding model over gRPC. Every failure
// degrades to the local service so reconciliation keeps its lexical
// scoring; the quality gap is the documented trade-off of running without
// a model.
type Remote struct {
	client   pb.SemanticServiceClient
	conn     *grpc.ClientConn
	fallback *Local
}

// DialRemote connects to the semantic service. The connection is lazy; a
// dead address surfaces on first call, not here.
func DialRemote(addr string, fallback *Local) (*Remote, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Remote{client: newClient(conn), conn: conn, fallback: fallback}, nil
}

// NewRemote wraps an existing client, for tests.
func NewRemote(client pb.SemanticServiceClient, fallback *Local) *Remote {
	return &Remote{client: client, fallback: fallback}
}

func (r *Remote) Similarity(ctx context.Context, a, b string) (float64, error) {
	resp, err := r.client.Similarity(ctx, &pb.SimilarityRequest{A: a, B: b})
	if err != nil {
		slog.Warn("[Semantic] Remote similarity failed, using local", "error", err)
		return r.fallback.Similarity(ctx, a, b)
	}
	return resp.Score, nil
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := r.client.Embed(ctx, &pb.EmbedRequest{Text: text})
	if err != nil {
		slog.Warn("[Semantic] Remote embed failed, using local", "error", err)
		return r.fallback.Embed(ctx, text)
	}
	return resp.Vector, nil
}

// Close tears down the connection when one was dialed.
func (r *Remote) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// clientAdapter sends the contract's unary calls over a dialed connection.
type clientAdapter struct {
	cc *grpc.ClientConn
}

func newClient(cc *grpc.ClientConn) pb.SemanticServiceClient {
	return &clientAdapter{cc: cc}
}

func (c *clientAdapter) Embed(ctx context.Context, in *pb.EmbedRequest, opts ...grpc.CallOption) (*pb.EmbedResponse, error) {
	out := new(pb.EmbedResponse)
	if err := c.cc.Invoke(ctx, "/zenith.semantic.SemanticService/Embed", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientAdapter) Similarity(ctx context.Context, in *pb.SimilarityRequest, opts ...grpc.CallOption) (*pb.SimilarityResponse, error) {
	out := new(pb.SimilarityResponse)
	if err := c.cc.Invoke(ctx, "/zenith.semantic.SemanticService/Similarity", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
