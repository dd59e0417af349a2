package labcatalog

import (
	"context"
	"errors"
	"fmt"

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

const testSelect = `
	SELECT t.id, t.code, t.name, t.department_name, t.price::float8, t.is_panel, t.unit, t.reference_range,
	       COALESCE(array_agg(m.analyte_id ORDER BY m.position, m.analyte_id) FILTER (WHERE m.analyte_id IS NOT NULL), '{}'),
	       t.created_at, t.updated_at
	FROM lab_tests t
	LEFT JOIN lab_panel_members m ON m.panel_id = t.id`

// List returns a page of catalog rows and the total match count.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Test, int, error) {
	const where = `
		WHERE ($1 = '' OR t.code ILIKE '%' || $1 || '%' OR t.name ILIKE '%' || $1 || '%')
		  AND ($2 = '' OR t.is_panel = ($2 = 'panel'))`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lab_tests t`+where, filters.Search, string(filters.Kind)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, testSelect+where+`
		GROUP BY t.id
		ORDER BY t.code
		LIMIT $3 OFFSET $4`, filters.Search, string(filters.Kind), filters.Limit, filters.Offset)
	if err != nil {
		return nil, 0, err
	}
	tests, err := collectTests(rows)
	return tests, total, err
}

// FindByIDs loads the given rows; unknown ids are absent from the result.
func (r *Repository) FindByIDs(ctx context.Context, ids []int64) ([]Test, error) {
	rows, err := r.pool.Query(ctx, testSelect+` WHERE t.id = ANY($1) GROUP BY t.id`, ids)
	if err != nil {
		return nil, err
	}
	return collectTests(rows)
}

// CreateAnalyte inserts a single analyte.
func (r *Repository) CreateAnalyte(ctx context.Context, a Analyte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO lab_tests (code, name, department_name, price, is_panel, unit, reference_range)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)
		RETURNING id`, a.Code, a.Name, a.Department, a.Price, a.Unit, a.ReferenceRange).Scan(&id)
	if err != nil {
		return 0, db.TranslateError(err, "test")
	}
	return id, nil
}

// CreatePanel inserts the panel and its membership rows atomically.
func (r *Repository) CreatePanel(ctx context.Context, p Panel, memberIDs []int64) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO lab_tests (code, name, department_name, price, is_panel)
			VALUES ($1, $2, $3, $4, TRUE)
			RETURNING id`, p.Code, p.Name, p.Department, p.Price).Scan(&id); err != nil {
			return db.TranslateError(err, "test")
		}
		return replaceMembers(ctx, tx, id, memberIDs)
	})
	return id, err
}

// ApplyImport upserts analytes then panels in one transaction. Rows that
// cannot be applied are reported; the rest are committed.
func (r *Repository) ApplyImport(ctx context.Context, batch ImportBatch) (ImportReport, error) {
	report := ImportReport{Rows: batch.Rows, Errors: append([]ImportRowError(nil), batch.Errors...)}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, row := range batch.Analytes {
			ok, err := upsertTest(ctx, tx, row)
			if err != nil {
				return err
			}
			if !ok {
				report.Errors = append(report.Errors, ImportRowError{Line: row.Line, Code: row.Code, Message: "code belongs to a panel"})
				continue
			}
			report.AnalytesUpserted++
		}
		for _, row := range batch.Panels {
			memberIDs, msg, err := resolveMemberCodes(ctx, tx, row.Members)
			if err != nil {
				return err
			}
			if msg != "" {
				report.Errors = append(report.Errors, ImportRowError{Line: row.Line, Code: row.Code, Message: msg})
				continue
			}
			ok, err := upsertTest(ctx, tx, row)
			if err != nil {
				return err
			}
			if !ok {
				report.Errors = append(report.Errors, ImportRowError{Line: row.Line, Code: row.Code, Message: "code belongs to an analyte"})
				continue
			}
			var panelID int64
			if err := tx.QueryRow(ctx, `SELECT id FROM lab_tests WHERE code = $1`, row.Code).Scan(&panelID); err != nil {
				return err
			}
			if err := replaceMembers(ctx, tx, panelID, memberIDs); err != nil {
				return err
			}
			report.PanelsUpserted++
		}
		return nil
	})
	if err != nil {
		return ImportReport{}, err
	}
	return report, nil
}

// upsertTest reports false when the code exists with the other kind.
func upsertTest(ctx context.Context, tx pgx.Tx, row ImportRow) (bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO lab_tests (code, name, department_name, price, is_panel, unit, reference_range)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
		    department_name = EXCLUDED.department_name,
		    price = EXCLUDED.price,
		    unit = EXCLUDED.unit,
		    reference_range = EXCLUDED.reference_range,
		    updated_at = NOW()
		WHERE lab_tests.is_panel = EXCLUDED.is_panel
		RETURNING id`,
		row.Code, row.Name, row.Department, row.Price, row.Kind == KindPanel, row.Unit, row.ReferenceRange).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func resolveMemberCodes(ctx context.Context, tx pgx.Tx, codes []string) ([]int64, string, error) {
	rows, err := tx.Query(ctx, `SELECT id, code, is_panel FROM lab_tests WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	type member struct {
		id      int64
		isPanel bool
	}
	found := make(map[string]member, len(codes))
	for rows.Next() {
		var (
			code string
			m    member
		)
		if err := rows.Scan(&m.id, &code, &m.isPanel); err != nil {
			return nil, "", err
		}
		found[code] = m
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	ids := make([]int64, 0, len(codes))
	for _, code := range codes {
		m, ok := found[code]
		switch {
		case !ok:
			return nil, fmt.Sprintf("unknown member %q", code), nil
		case m.isPanel:
			return nil, fmt.Sprintf("member %q is a panel", code), nil
		}
		ids = append(ids, m.id)
	}
	return ids, "", nil
}

func replaceMembers(ctx context.Context, tx pgx.Tx, panelID int64, memberIDs []int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM lab_panel_members WHERE panel_id = $1`, panelID); err != nil {
		return err
	}
	for pos, id := range memberIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO lab_panel_members (panel_id, analyte_id, position)
			VALUES ($1, $2, $3)`, panelID, id, pos); err != nil {
			return db.TranslateError(err, "panel member")
		}
	}
	return nil
}

func collectTests(rows pgx.Rows) ([]Test, error) {
	defer rows.Close()
	out := make([]Test, 0)
	for rows.Next() {
		var (
			t       Test
			isPanel bool
		)
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Department, &t.Price, &isPanel, &t.Unit, &t.ReferenceRange, &t.MemberIDs, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Kind = KindAnalyte
		if isPanel {
			t.Kind = KindPanel
		}
		if len(t.MemberIDs) == 0 {
			t.MemberIDs = nil
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ RepositoryPort = (*Repository)(nil)
