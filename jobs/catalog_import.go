package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/labdesk/labdesk/internal/jobs"
	"github.com/labdesk/labdesk/internal/labcatalog"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CatalogImporter applies a catalog CSV file.
type CatalogImporter interface {
	Import(ctx context.Context, r io.Reader) (labcatalog.ImportReport, error)
}

// CatalogImportJob processes TaskCatalogImport tasks.
type CatalogImportJob struct {
	Importer CatalogImporter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewCatalogImportJob constructs the job handler.
func NewCatalogImportJob(importer CatalogImporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogImportJob {
	return &CatalogImportJob{Importer: importer, Logger: logger, Metrics: metrics}
}

// Handle executes the import. Malformed files are not retried.
func (j *CatalogImportJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Importer == nil {
		return errors.New("catalog import: dependencies not configured")
	}
	var payload CatalogImportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	metrics := metricsOr(j.Metrics)
	tracker := metrics.Track(TaskCatalogImport, retryCount(ctx))
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if payload.ActorID > 0 {
		ctx = shared.ContextWithPrincipal(ctx, shared.Principal{UserID: payload.ActorID})
	}
	start := time.Now()
	report, err := j.Importer.Import(ctx, bytes.NewReader(payload.CSV))
	if err != nil {
		j.log().Error("import catalog", slog.Int64("actor_id", payload.ActorID), slog.Any("error", err))
		if errors.Is(err, httpx.ErrValidation) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	if w := task.ResultWriter(); w != nil {
		if raw, err := json.Marshal(report); err == nil {
			if _, err := w.Write(raw); err != nil {
				j.log().Warn("store import report", slog.Any("error", err))
			}
		}
	}
	metrics.AddImportRows("applied", report.Rows-len(report.Errors))
	metrics.AddImportRows("rejected", len(report.Errors))
	j.log().Info("imported catalog",
		slog.Int("rows", report.Rows),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *CatalogImportJob) log() *slog.Logger {
	return loggerOr(j.Logger).With(slog.String("job", TaskCatalogImport))
}

func retryCount(ctx context.Context) int {
	n, _ := asynq.GetRetryCount(ctx)
	return n
}

func metricsOr(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
