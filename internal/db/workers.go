package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Workers persists WorkerNode rows.
type Workers struct {
	db *gorm.DB
}

// NewWorkers returns a WorkerNode repository.
func NewWorkers(db *gorm.DB) *Workers {
	return &Workers{db: db}
}

// GenerateKey returns a 256-bit hex worker key.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate worker key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create registers a worker, generating its key when empty.
func (r *Workers) Create(ctx context.Context, w *WorkerNode) error {
	if w.Key == "" {
		key, err := GenerateKey()
		if err != nil {
			return err
		}
		w.Key = key
	}
	if w.Status == "" {
		w.Status = WorkerActive
	}
	return r.db.WithContext(ctx).Create(w).Error
}

// Get loads a worker by id.
func (r *Workers) Get(ctx context.Context, id uint) (*WorkerNode, error) {
	var w WorkerNode
	if err := r.db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// List returns all workers.
func (r *Workers) List(ctx context.Context) ([]WorkerNode, error) {
	var workers []WorkerNode
	err := r.db.WithContext(ctx).Order("id").Find(&workers).Error
	return workers, err
}

// RecordProbe stores the result of a health probe. Inactive workers keep
// their status; only SetStatus brings them back.
func (r *Workers) RecordProbe(ctx context.Context, id uint, status string, seen time.Time) error {
	updates := map[string]any{"status": status}
	if !seen.IsZero() {
		updates["last_seen"] = seen
	}
	return r.db.WithContext(ctx).Model(&WorkerNode{}).
		Where("id = ? AND status <> ?", id, WorkerInactive).
		UpdateColumns(updates).Error
}

// SetStatus overwrites the worker status.
func (r *Workers) SetStatus(ctx context.Context, id uint, status string) error {
	res := r.db.WithContext(ctx).Model(&WorkerNode{}).Where("id = ?", id).UpdateColumn("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
