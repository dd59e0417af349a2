package testrequests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/labdesk/labdesk/internal/hl7"
	"github.com/labdesk/labdesk/internal/labcatalog"
	"github.com/labdesk/labdesk/internal/patients"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

// IdempotencyModule scopes Idempotency-Key values for request creation.
const IdempotencyModule = "test_requests"

// RepositoryPort defines persistence for test requests.
type RepositoryPort interface {
	Create(ctx context.Context, req TestRequest) (int64, error)
	Get(ctx context.Context, id int64) (TestRequest, error)
	List(ctx context.Context, filters ListFilters) ([]TestRequest, int, error)
	Transition(ctx context.Context, id int64, from, to Status, actorID int64, note string) error
	SaveResults(ctx context.Context, id int64, allowed []Status, results map[int64]Result) error
	Events(ctx context.Context, id int64) ([]Event, error)
}

// CatalogResolver turns ordered test ids into catalog variants.
type CatalogResolver interface {
	Resolve(ctx context.Context, ids []int64) ([]labcatalog.CatalogItem, error)
}

// PatientDirectory looks patients up.
type PatientDirectory interface {
	Get(ctx context.Context, id int64) (patients.Patient, error)
}

// Service runs the test request workflow.
type Service struct {
	repo        RepositoryPort
	catalog     CatalogResolver
	patients    PatientDirectory
	idempotency shared.IdempotencyGuard
	audit       shared.AuditRecorder
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// NewService constructs the workflow service. idempotency may be nil.
func NewService(repo RepositoryPort, catalog CatalogResolver, patients PatientDirectory, idempotency shared.IdempotencyGuard, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		catalog:     catalog,
		patients:    patients,
		idempotency: idempotency,
		audit:       audit,
		logger:      logger,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// Create orders tests for a patient. Panels are expanded to analytes before
// anything is stored. A non-empty idempotencyKey makes retries fail with a
// conflict instead of ordering twice.
func (s *Service) Create(ctx context.Context, req CreateRequest, idempotencyKey string) (TestRequest, error) {
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.validate.Struct(req); err != nil {
		return TestRequest{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	if req.Priority == "" {
		req.Priority = PriorityRoutine
	}
	if _, err := s.patients.Get(ctx, req.PatientID); err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return TestRequest{}, fmt.Errorf("%w: patient %d does not exist", httpx.ErrValidation, req.PatientID)
		}
		return TestRequest{}, err
	}
	resolved, err := s.catalog.Resolve(ctx, req.TestIDs)
	if err != nil {
		return TestRequest{}, err
	}
	items := Expand(resolved)
	if len(items) == 0 {
		return TestRequest{}, fmt.Errorf("%w: no analytes to order", httpx.ErrValidation)
	}

	actor := shared.ActorID(ctx)
	var id int64
	err = shared.WithIdempotency(ctx, s.idempotency, strings.TrimSpace(idempotencyKey), IdempotencyModule, func() error {
		var err error
		id, err = s.repo.Create(ctx, TestRequest{
			PatientID:     req.PatientID,
			Status:        StatusPending,
			Priority:      req.Priority,
			PaymentStatus: PaymentUnbilled,
			Notes:         req.Notes,
			Items:         items,
			CreatedBy:     actor,
		})
		return err
	})
	if err != nil {
		return TestRequest{}, err
	}
	s.record(ctx, "test_requests.create", id, map[string]any{"patient_id": req.PatientID, "items": len(items)})
	return s.repo.Get(ctx, id)
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id int64) (TestRequest, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of requests.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]TestRequest, int, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, filters.Status)
	}
	return s.repo.List(ctx, filters)
}

// Events returns the status history of a request.
func (s *Service) Events(ctx context.Context, id int64) ([]Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, id)
}

// Transition moves a request to the target status. Completing requires a
// result on every item.
func (s *Service) Transition(ctx context.Context, id int64, to Status, note string) (TestRequest, error) {
	if !to.Valid() {
		return TestRequest{}, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, to)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return TestRequest{}, err
	}
	if !CanTransition(current.Status, to) {
		return TestRequest{}, fmt.Errorf("%w: cannot move test request from %s to %s", httpx.ErrConflict, current.Status, to)
	}
	if to == StatusCompleted {
		if missing := missingResults(current.Items); len(missing) > 0 {
			return TestRequest{}, fmt.Errorf("%w: results missing for %s", httpx.ErrValidation, strings.Join(missing, ", "))
		}
	}
	if err := s.repo.Transition(ctx, id, current.Status, to, shared.ActorID(ctx), strings.TrimSpace(note)); err != nil {
		return TestRequest{}, err
	}
	s.record(ctx, "test_requests.transition", id, map[string]any{"from": current.Status, "to": to})
	return s.repo.Get(ctx, id)
}

// EnterResults records manual results while the request is being processed.
func (s *Service) EnterResults(ctx context.Context, id int64, entries []ResultEntry) (TestRequest, error) {
	if len(entries) == 0 {
		return TestRequest{}, fmt.Errorf("%w: no results supplied", httpx.ErrValidation)
	}
	current, err := s.loadForResults(ctx, id)
	if err != nil {
		return TestRequest{}, err
	}
	onRequest := make(map[int64]bool, len(current.Items))
	for _, item := range current.Items {
		onRequest[item.TestID] = true
	}
	actor := shared.ActorID(ctx)
	results := make(map[int64]Result, len(entries))
	for _, entry := range entries {
		entry.Value = strings.TrimSpace(entry.Value)
		if err := s.validate.Struct(entry); err != nil {
			return TestRequest{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
		}
		if !onRequest[entry.TestID] {
			return TestRequest{}, fmt.Errorf("%w: test %d is not on request %d", httpx.ErrValidation, entry.TestID, id)
		}
		results[entry.TestID] = Result{
			Value:          entry.Value,
			Units:          strings.TrimSpace(entry.Units),
			ReferenceRange: strings.TrimSpace(entry.ReferenceRange),
			Flag:           strings.ToUpper(strings.TrimSpace(entry.Flag)),
			Source:         "manual",
			EnteredBy:      actor,
			EnteredAt:      s.now().UTC(),
		}
	}
	if err := s.repo.SaveResults(ctx, id, resultStatuses, results); err != nil {
		return TestRequest{}, err
	}
	s.record(ctx, "test_requests.results", id, map[string]any{"count": len(results), "source": "manual"})
	return s.repo.Get(ctx, id)
}

// IngestHL7 applies an ORU^R01 message. OBX-3 codes are matched against item
// codes; unmatched observations are reported, not fatal, unless nothing
// matched at all.
func (s *Service) IngestHL7(ctx context.Context, id int64, raw []byte) (IngestReport, error) {
	msg, err := hl7.Parse(raw)
	if err != nil {
		return IngestReport{}, err
	}
	if !msg.IsResult() {
		return IngestReport{}, fmt.Errorf("%w: expected an ORU message, got %q", httpx.ErrValidation, msg.Type)
	}
	if order := strings.TrimSpace(msg.PlacerOrderNumber()); order != "" {
		if n, err := strconv.ParseInt(order, 10, 64); err == nil && n != id {
			return IngestReport{}, fmt.Errorf("%w: message is for order %d", httpx.ErrValidation, n)
		}
	}
	current, err := s.loadForResults(ctx, id)
	if err != nil {
		return IngestReport{}, err
	}
	byCode := make(map[string]int64, len(current.Items))
	for _, item := range current.Items {
		byCode[strings.ToUpper(item.Code)] = item.TestID
	}

	report := IngestReport{ControlID: msg.ControlID, Unmatched: []string{}}
	actor := shared.ActorID(ctx)
	results := map[int64]Result{}
	for _, obs := range msg.Observations() {
		testID, ok := byCode[strings.ToUpper(obs.Code)]
		if !ok {
			report.Unmatched = append(report.Unmatched, obs.Code)
			continue
		}
		results[testID] = Result{
			Value:          obs.Value,
			Units:          obs.Units,
			ReferenceRange: obs.ReferenceRange,
			Flag:           strings.ToUpper(obs.Flag),
			Source:         "hl7",
			EnteredBy:      actor,
			EnteredAt:      s.now().UTC(),
		}
	}
	if len(results) == 0 {
		return report, fmt.Errorf("%w: no observations match tests on request %d", httpx.ErrValidation, id)
	}
	if err := s.repo.SaveResults(ctx, id, resultStatuses, results); err != nil {
		return IngestReport{}, err
	}
	report.Applied = len(results)
	s.logger.Info("hl7 results ingested",
		slog.Int64("test_request_id", id),
		slog.String("control_id", msg.ControlID),
		slog.Int("applied", report.Applied),
		slog.Int("unmatched", len(report.Unmatched)))
	s.record(ctx, "test_requests.results", id, map[string]any{"count": report.Applied, "source": "hl7", "control_id": msg.ControlID})
	return report, nil
}

var resultStatuses = []Status{StatusInProgress, StatusReopened}

func (s *Service) loadForResults(ctx context.Context, id int64) (TestRequest, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return TestRequest{}, err
	}
	if !CanEnterResults(current.Status) {
		return TestRequest{}, fmt.Errorf("%w: results cannot be entered while %s", httpx.ErrConflict, current.Status)
	}
	return current, nil
}

func missingResults(items []Item) []string {
	var missing []string
	for _, item := range items {
		if item.Result == nil {
			missing = append(missing, item.Code)
		}
	}
	return missing
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "test_request",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
