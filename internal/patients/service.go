package patients

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

// RepositoryPort defines data access for patients.
type RepositoryPort interface {
	Create(ctx context.Context, p Patient) (Patient, error)
	Get(ctx context.Context, id int64) (Patient, error)
	Update(ctx context.Context, p Patient) (Patient, error)
	List(ctx context.Context, filters ListFilters) ([]Patient, int, error)
}

// Service provides patient registration and lookup.
type Service struct {
	repo     RepositoryPort
	audit    shared.AuditRecorder
	logger   *slog.Logger
	validate *validator.Validate
	newMRN   func() string
}

// NewService constructs the patient service.
func NewService(repo RepositoryPort, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, validate: validator.New(), newMRN: generateMRN}
}

// generateMRN returns "LD-" followed by the first eight hex digits of a random UUID.
func generateMRN() string {
	return "LD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Create registers a patient, generating an MRN when none is supplied.
func (s *Service) Create(ctx context.Context, req CreatePatientRequest) (Patient, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.MRN = strings.ToUpper(strings.TrimSpace(req.MRN))
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return Patient{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	if req.MRN == "" {
		req.MRN = s.newMRN()
	}
	if req.Sex == "" {
		req.Sex = SexUnknown
	}
	created, err := s.repo.Create(ctx, Patient{
		MRN:       req.MRN,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		BirthDate: req.BirthDate,
		Sex:       req.Sex,
		Phone:     strings.TrimSpace(req.Phone),
		Email:     req.Email,
	})
	if err != nil {
		return Patient{}, err
	}
	s.record(ctx, "patients.create", created.ID, map[string]any{"mrn": created.MRN})
	return created, nil
}

// Get returns one patient.
func (s *Service) Get(ctx context.Context, id int64) (Patient, error) {
	return s.repo.Get(ctx, id)
}

// Update applies the non-nil fields of req.
func (s *Service) Update(ctx context.Context, id int64, req UpdatePatientRequest) (Patient, error) {
	if err := s.validate.Struct(req); err != nil {
		return Patient{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Patient{}, err
	}
	if req.FirstName != nil {
		name := strings.TrimSpace(*req.FirstName)
		if name == "" {
			return Patient{}, fmt.Errorf("%w: first_name must not be blank", httpx.ErrValidation)
		}
		p.FirstName = name
	}
	if req.LastName != nil {
		p.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.BirthDate != nil {
		p.BirthDate = req.BirthDate
	}
	if req.Sex != nil {
		p.Sex = *req.Sex
	}
	if req.Phone != nil {
		p.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.Email != nil {
		p.Email = strings.TrimSpace(*req.Email)
	}
	updated, err := s.repo.Update(ctx, p)
	if err != nil {
		return Patient{}, err
	}
	s.record(ctx, "patients.update", id, nil)
	return updated, nil
}

// List returns a page of patients.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Patient, int, error) {
	filters.Search = strings.TrimSpace(filters.Search)
	return s.repo.List(ctx, filters)
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "patient",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
