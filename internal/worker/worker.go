// Package worker drains background evidence jobs from the Redis queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/evidence"
	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/pkg/queue"
	"github.com/Timolanda/Micall-sub001/pkg/storage"
)

// EvidenceProcessor repairs evidence chunk metadata: when an object landed in
// storage but the metadata write failed, the row is reconciled against the
// bucket. The object itself is never re-uploaded here.
type EvidenceProcessor struct {
	chunks *evidence.Repository
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewEvidenceProcessor creates an evidence job processor.
func NewEvidenceProcessor(chunks *evidence.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *EvidenceProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvidenceProcessor{chunks: chunks, s3: s3, queue: q, logger: logger}
}

// Process executes one evidence job.
func (p *EvidenceProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeMetadataRepair, queue.JobTypeChunkRetry:
		var payload queue.MetadataRepairPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.reconcile(ctx, payload.ChunkID)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *EvidenceProcessor) reconcile(ctx context.Context, chunkID uuid.UUID) error {
	chunk, err := p.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("chunk not found: %s", chunkID)
	}
	if chunk.Status == models.ChunkStatusUploaded {
		p.logger.Info("chunk already reconciled", zap.String("chunk_id", chunk.ID.String()))
		return nil
	}

	key := chunk.StorageKey
	if key == "" {
		key = evidence.ChunkKey(chunk.SessionID, chunk.OwnerID, chunk.CapturedAt)
	}
	head, err := p.s3.HeadObject(ctx, key)
	if err != nil {
		// No durable object yet: nothing to repair, the uploader owns retries.
		p.logger.Warn("chunk object not in storage, leaving row untouched",
			zap.String("chunk_id", chunk.ID.String()), zap.String("key", key), zap.Error(err))
		return nil
	}

	size := chunk.SizeBytes
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	if err := p.chunks.MarkUploaded(ctx, chunk.ID, key, size, time.Now()); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	p.logger.Info("chunk metadata repaired",
		zap.String("chunk_id", chunk.ID.String()), zap.String("key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *EvidenceProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("evidence worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
