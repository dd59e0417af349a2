package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueImports carries user-submitted catalog imports.
	QueueImports = "imports"
	// QueueMaintenance carries scheduled housekeeping.
	QueueMaintenance = "maintenance"
	// TaskCatalogImport applies a lab catalog CSV file.
	TaskCatalogImport = "catalog:import"
	// TaskIdempotencyCleanup prunes expired Idempotency-Key records.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// importRetention keeps finished import tasks queryable so callers can read the report.
const importRetention = 24 * time.Hour

// Queues returns the worker queue weights. Imports are polled three times as
// often as maintenance.
func Queues() map[string]int {
	return map[string]int{
		QueueImports:     3,
		QueueMaintenance: 1,
	}
}

// CatalogImportPayload carries the raw CSV and the user who submitted it.
type CatalogImportPayload struct {
	CSV     []byte `json:"csv"`
	ActorID int64  `json:"actor_id"`
}

// NewCatalogImportTask constructs an Asynq task.
func NewCatalogImportTask(payload CatalogImportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCatalogImport, data,
		asynq.Queue(QueueImports),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(importRetention),
	), nil
}

// IdempotencyCleanupPayload configures how old a key must be before removal.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueMaintenance), asynq.Unique(time.Hour)), nil
}
