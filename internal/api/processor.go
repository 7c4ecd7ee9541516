package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/zenith/forensics/internal/batch"
	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/ingest"
	"github.com/zenith/forensics/internal/reconcile"
	"github.com/zenith/forensics/internal/resolver"
	"github.com/zenith/forensics/internal/semantic"
	"github.com/zenith/forensics/internal/store"
)

// ingestItem is one uploaded row travelling through the orchestrator. All
// rows of a submission share the same request template.
type ingestItem struct {
	template *ingest.Request
	row      ingest.Row
}

// JobProcessor executes batches for every admitted data type. It is the
// single Processor handed to the orchestrator; dispatch runs on the job's
// DataType.
type JobProcessor struct {
	store     store.Store
	pipeline  *ingest.Pipeline
	reconcile *reconcile.Service
	resolver  *resolver.Resolver
	sem       semantic.Service
}

func NewJobProcessor(
	s store.Store,
	pipeline *ingest.Pipeline,
	rec *reconcile.Service,
	res *resolver.Resolver,
	sem semantic.Service,
) *JobProcessor {
	return &JobProcessor{
		store:     s,
		pipeline:  pipeline,
		reconcile: rec,
		resolver:  res,
		sem:       sem,
	}
}

func (p *JobProcessor) ProcessBatch(ctx context.Context, job *core.ProcessingJob, batchIndex int, items []any) (int, int, error) {
	switch job.DataType {
	case core.DataTransaction, core.DataDocument:
		return p.processRows(ctx, job, batchIndex, items)
	case core.DataReconciliation:
		return p.processReconciliations(ctx, items)
	case core.DataEntity:
		return p.processEntities(ctx, job, items)
	case core.DataEmbedding:
		return p.processEmbeddings(ctx, items)
	default:
		return 0, 0, fmt.Errorf("no processor for data type %q", job.DataType)
	}
}

// processRows runs one batch of uploaded rows through the ingestion
// pipeline. Each batch produces its own ingestion record; per-row problems
// are warnings on that record, not errors here.
func (p *JobProcessor) processRows(ctx context.Context, job *core.ProcessingJob, batchIndex int, items []any) (int, int, error) {
	var template *ingest.Request
	rows := make([]ingest.Row, 0, len(items))
	for _, item := range items {
		ri, ok := item.(ingestItem)
		if !ok {
			return 0, 0, fmt.Errorf("batch %d: unexpected item type %T", batchIndex, item)
		}
		template = ri.template
		rows = append(rows, ri.row)
	}
	if template == nil {
		return 0, 0, nil
	}

	result, err := p.pipeline.Ingest(ctx, &ingest.Request{
		ProjectID: template.ProjectID,
		Source:    fmt.Sprintf("%s#batch-%03d", template.Source, batchIndex),
		Kind:      template.Kind,
		Mappings:  template.Mappings,
		Rows:      rows,
	})
	if err != nil {
		return 0, 0, classify(err)
	}
	return result.Record.RecordsProcessed, result.Record.RecordsSkipped, nil
}

// processReconciliations runs a full reconciliation per project id item.
func (p *JobProcessor) processReconciliations(ctx context.Context, items []any) (int, int, error) {
	processed, failed := 0, 0
	for _, item := range items {
		projectID, ok := item.(string)
		if !ok {
			failed++
			continue
		}
		if _, err := p.reconcile.Run(ctx, projectID); err != nil {
			if errors.Is(err, store.ErrTransient) {
				return processed, failed, batch.Transient(err)
			}
			failed++
			continue
		}
		processed++
	}
	return processed, failed, nil
}

// processEntities upserts party names through the resolver. Items are
// {"name": ..., "account": ...} maps.
func (p *JobProcessor) processEntities(ctx context.Context, job *core.ProcessingJob, items []any) (int, int, error) {
	processed, failed := 0, 0
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			failed++
			continue
		}
		name, _ := m["name"].(string)
		account, _ := m["account"].(string)
		if name == "" {
			failed++
			continue
		}
		if _, err := p.resolver.Upsert(ctx, job.ProjectID, name, account); err != nil {
			if errors.Is(err, store.ErrTransient) {
				return processed, failed, batch.Transient(err)
			}
			failed++
			continue
		}
		processed++
	}
	return processed, failed, nil
}

// processEmbeddings recomputes entity name embeddings. Items are entity ids.
func (p *JobProcessor) processEmbeddings(ctx context.Context, items []any) (int, int, error) {
	processed, failed := 0, 0
	for _, item := range items {
		entityID, ok := item.(string)
		if !ok {
			failed++
			continue
		}
		entity, err := p.store.GetEntity(ctx, entityID)
		if err != nil {
			failed++
			continue
		}
		vec, err := p.sem.Embed(ctx, entity.Name)
		if err != nil {
			failed++
			continue
		}
		entity.Embedding = vec
		if err := p.store.UpdateEntity(ctx, entity); err != nil {
			if errors.Is(err, store.ErrTransient) {
				return processed, failed, batch.Transient(err)
			}
			failed++
			continue
		}
		processed++
	}
	return processed, failed, nil
}

// classify maps store transience onto the orchestrator's retry signal.
func classify(err error) error {
	if errors.Is(err, store.ErrTransient) {
		return batch.Transient(err)
	}
	return err
}
