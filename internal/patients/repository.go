package patients

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const patientColumns = `id, mrn, first_name, last_name, birth_date, sex, phone, email, created_at, updated_at`

// Create inserts a patient and returns the stored row.
func (r *Repository) Create(ctx context.Context, p Patient) (Patient, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (mrn, first_name, last_name, birth_date, sex, phone, email)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+patientColumns,
		p.MRN, p.FirstName, p.LastName, p.BirthDate, p.Sex, p.Phone, p.Email)
	created, err := scanPatient(row)
	if err != nil {
		return Patient{}, db.TranslateError(err, "patient")
	}
	return created, nil
}

// Get loads a patient by id.
func (r *Repository) Get(ctx context.Context, id int64) (Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return Patient{}, db.TranslateError(err, "patient")
	}
	return p, nil
}

// Update writes every mutable column.
func (r *Repository) Update(ctx context.Context, p Patient) (Patient, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE patients
		SET first_name = $2, last_name = $3, birth_date = $4, sex = $5, phone = $6, email = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING `+patientColumns,
		p.ID, p.FirstName, p.LastName, p.BirthDate, p.Sex, p.Phone, p.Email)
	updated, err := scanPatient(row)
	if err != nil {
		return Patient{}, db.TranslateError(err, "patient")
	}
	return updated, nil
}

// List returns one page of patients matching the search and the total count.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Patient, int, error) {
	const where = `
		WHERE $1 = ''
		   OR mrn ILIKE '%' || $1 || '%'
		   OR first_name ILIKE '%' || $1 || '%'
		   OR last_name ILIKE '%' || $1 || '%'
		   OR phone ILIKE '%' || $1 || '%'`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, filters.Search).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientColumns+` FROM patients`+where+`
		ORDER BY last_name, first_name, id
		LIMIT $2 OFFSET $3`, filters.Search, filters.Limit, filters.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Sex, &p.Phone, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

var _ RepositoryPort = (*Repository)(nil)
