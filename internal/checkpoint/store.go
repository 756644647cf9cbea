// Package checkpoint persists retrieval checkpoints as JSON documents in a
// blob store.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-retriever/internal/retrieval"
	"github.com/JakeFAU/channel-retriever/internal/storage"
)

// DefaultName is the single-file checkpoint name used when Config.Name is set
// to it explicitly.
const DefaultName = "checkpoint.json"

// Config controls where checkpoints are written.
type Config struct {
	// Prefix is prepended to every checkpoint path.
	Prefix string `mapstructure:"prefix"`
	// Name pins every job to one file. When empty each job gets
	// <prefix>/<job>.json.
	Name string `mapstructure:"name"`
}

// BlobStore implements retrieval.CheckpointStore on top of storage.BlobStore.
type BlobStore struct {
	blobs  storage.BlobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a checkpoint store.
func New(blobs storage.BlobStore, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{blobs: blobs, cfg: cfg, logger: logger}, nil
}

// Path returns the object path that holds the checkpoint for jobID.
func (s *BlobStore) Path(jobID string) string {
	name := s.cfg.Name
	if name == "" {
		name = jobID + ".json"
	}
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Save writes cp, replacing any previous checkpoint atomically.
func (s *BlobStore) Save(ctx context.Context, cp retrieval.Checkpoint) error {
	if cp.JobID == "" {
		return fmt.Errorf("checkpoint job id is required")
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, s.Path(cp.JobID), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for jobID. Missing, unreadable, or foreign
// checkpoints yield nil so the caller starts fresh.
func (s *BlobStore) Load(ctx context.Context, jobID string) (*retrieval.Checkpoint, error) {
	p := s.Path(jobID)
	data, err := s.blobs.GetObject(ctx, p)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("checkpoint unreadable, starting fresh", zap.String("path", p), zap.Error(err))
		}
		return nil, nil
	}
	var cp retrieval.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint malformed, starting fresh", zap.String("path", p), zap.Error(err))
		return nil, nil
	}
	if !cp.Valid(jobID) {
		s.logger.Warn("checkpoint belongs to another job, ignoring",
			zap.String("path", p),
			zap.String("job_id", jobID),
			zap.String("checkpoint_job_id", cp.JobID),
		)
		return nil, nil
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

// Delete removes the checkpoint for jobID.
func (s *BlobStore) Delete(ctx context.Context, jobID string) error {
	if err := s.blobs.DeleteObject(ctx, s.Path(jobID)); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
