package db

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchOutcome summarises a batch after a task outcome was recorded.
type BatchOutcome struct {
	SiteID   uint
	Version  int64
	Complete bool
	Failed   int64
}

// Batches tracks fan-out batches until every task has a terminal outcome.
type Batches struct {
	db *gorm.DB
}

// NewBatches returns a batch repository.
func NewBatches(db *gorm.DB) *Batches {
	return &Batches{db: db}
}

// Open creates a batch for the site version with one pending row per task key.
func (r *Batches) Open(ctx context.Context, siteID uint, version int64, keys []string) (string, error) {
	id := uuid.NewString()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&DeployBatch{ID: id, SiteID: siteID, Version: version}).Error; err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		rows := make([]BatchTask, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, BatchTask{BatchID: id, TaskKey: k, Status: TaskPending})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Record stores a terminal outcome for one task. Only the first outcome per
// task counts, so redelivered tasks cannot complete a batch twice. The
// returned outcome is Complete only for the call that resolved the last
// pending task.
func (r *Batches) Record(ctx context.Context, batchID, key string, ok bool) (BatchOutcome, error) {
	var out BatchOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch DeployBatch
		if err := tx.First(&batch, "id = ?", batchID).Error; err != nil {
			return notFound(err)
		}
		out.SiteID = batch.SiteID
		out.Version = batch.Version

		status := TaskDone
		if !ok {
			status = TaskFailed
		}
		res := tx.Model(&BatchTask{}).
			Where("batch_id = ? AND task_key = ? AND status = ?", batchID, key, TaskPending).
			UpdateColumn("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var pending int64
		if err := tx.Model(&BatchTask{}).Where("batch_id = ? AND status = ?", batchID, TaskPending).Count(&pending).Error; err != nil {
			return err
		}
		if err := tx.Model(&BatchTask{}).Where("batch_id = ? AND status = ?", batchID, TaskFailed).Count(&out.Failed).Error; err != nil {
			return err
		}
		out.Complete = pending == 0
		return nil
	})
	return out, err
}
