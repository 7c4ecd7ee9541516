package integrity

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"

	"github.com/zenith/forensics/internal/circuitbreaker"
)

// SpannerAnchorer records sealed hashes in a Cloud Spanner Anchors table,
// giving the registry an anchor outside the engine's own database. Anchoring
// is idempotent: re-anchoring a hash returns the original anchor id. Calls
// go through a circuit breaker so a Spanner outage degrades sealing to
// registry-only instead of blocking it.
type SpannerAnchorer struct {
	client  *spanner.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *log.Logger
}

// NewSpannerAnchorer connects to projects/<project>/instances/<instance>/databases/<db>.
func NewSpannerAnchorer(project, instance, dbName string, breaker *circuitbreaker.CircuitBreaker) (*SpannerAnchorer, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("anchor"))
	}

	return &SpannerAnchorer{
		client:  client,
		breaker: breaker,
		logger:  log.New(log.Writer(), "[Anchor] ", log.LstdFlags),
	}, nil
}

// Anchor writes the hash if it is new and returns the anchor id either way.
func (a *SpannerAnchorer) Anchor(ctx context.Context, hash string) (string, error) {
	result, err := a.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return a.anchor(ctx, hash)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (a *SpannerAnchorer) anchor(ctx context.Context, hash string) (string, error) {
	// Fast path: already anchored.
	if id, err := a.lookup(ctx, hash); err == nil {
		return id, nil
	} else if spanner.ErrCode(err) != codes.NotFound {
		return "", err
	}

	anchorID := fmt.Sprintf("anc-%s-%d", hash[:12], time.Now().Unix())

	var committed string
	_, err := a.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		// Re-check inside the transaction: a concurrent sealer may have won.
		row, err := txn.ReadRow(ctx, "Anchors", spanner.Key{hash}, []string{"AnchorID"})
		if err == nil {
			return row.Columns(&committed)
		}
		if spanner.ErrCode(err) != codes.NotFound {
			return err
		}

		committed = anchorID
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("Anchors",
				[]string{"FileHash", "AnchorID", "AnchoredAt"},
				[]interface{}{hash, anchorID, spanner.CommitTimestamp},
			),
		})
	})
	if err != nil {
		return "", fmt.Errorf("anchor %s: %w", hash[:12], err)
	}

	if committed == anchorID {
		a.logger.Printf("⚓ Anchored %s as %s", hash[:12], anchorID)
	}
	return committed, nil
}

func (a *SpannerAnchorer) lookup(ctx context.Context, hash string) (string, error) {
	roTx := a.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "Anchors", spanner.Key{hash}, []string{"AnchorID"})
	if err != nil {
		return "", err
	}
	var id string
	if err := row.Columns(&id); err != nil {
		return "", err
	}
	return id, nil
}

// Close releases the Spanner client.
func (a *SpannerAnchorer) Close() error {
	a.client.Close()
	return nil
}
