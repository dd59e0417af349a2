package testrequests

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const requestColumns = `id, patient_id, status, priority, payment_status, notes, created_by, created_at, updated_at`

// Create inserts the request, its items and the opening event.
func (r *Repository) Create(ctx context.Context, req TestRequest) (int64, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO test_requests (patient_id, status, priority, payment_status, notes, created_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			req.PatientID, req.Status, req.Priority, req.PaymentStatus, req.Notes, req.CreatedBy).Scan(&id); err != nil {
			return db.TranslateError(err, "test request")
		}
		batch := &pgx.Batch{}
		for i, item := range req.Items {
			batch.Queue(`
				INSERT INTO test_request_items (test_request_id, test_id, code, name, price, department_name, panel_ids, line_order)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				id, item.TestID, item.Code, item.Name, item.Price, item.Department, item.PanelIDs, i)
		}
		batch.Queue(`
			INSERT INTO test_request_events (test_request_id, from_status, to_status, actor_id, note)
			VALUES ($1, '', $2, $3, 'created')`, id, req.Status, req.CreatedBy)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return db.TranslateError(err, "test request item")
		}
		return nil
	})
	return id, err
}

// Get loads a request with its items.
func (r *Repository) Get(ctx context.Context, id int64) (TestRequest, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM test_requests WHERE id = $1`, id))
	if err != nil {
		return TestRequest{}, db.TranslateError(err, "test request")
	}
	items, err := r.items(ctx, []int64{id})
	if err != nil {
		return TestRequest{}, err
	}
	req.Items = items[id]
	if req.Items == nil {
		req.Items = []Item{}
	}
	return req, nil
}

// List returns a page of requests, newest first, with their items.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]TestRequest, int, error) {
	const where = `
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = 0 OR patient_id = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM test_requests`+where, string(filters.Status), filters.PatientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM test_requests`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, string(filters.Status), filters.PatientID, filters.Limit, filters.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]TestRequest, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, req)
		ids = append(ids, req.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
		if out[i].Items == nil {
			out[i].Items = []Item{}
		}
	}
	return out, total, nil
}

// Transition moves the request from -> to if it is still in from, and
// records the event in the same transaction.
func (r *Repository) Transition(ctx context.Context, id int64, from, to Status, actorID int64, note string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE test_requests SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2`, id, from, to)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: test request %d is no longer %s", httpx.ErrConflict, id, from)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO test_request_events (test_request_id, from_status, to_status, actor_id, note)
			VALUES ($1, $2, $3, $4, $5)`, id, from, to, actorID, note)
		return err
	})
}

// SaveResults writes results keyed by test id while the request is in one
// of the allowed statuses.
func (r *Repository) SaveResults(ctx context.Context, id int64, allowed []Status, results map[int64]Result) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var status Status
		if err := tx.QueryRow(ctx, `SELECT status FROM test_requests WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			return db.TranslateError(err, "test request")
		}
		if !slices.Contains(allowed, status) {
			return fmt.Errorf("%w: results cannot be entered while %s", httpx.ErrConflict, status)
		}
		for testID, result := range results {
			data, err := json.Marshal(result)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `
				UPDATE test_request_items SET result_data = $3, result_flag = $4
				WHERE test_request_id = $1 AND test_id = $2`, id, testID, data, result.Flag)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: test %d is not on request %d", httpx.ErrValidation, testID, id)
			}
		}
		_, err := tx.Exec(ctx, `UPDATE test_requests SET updated_at = NOW() WHERE id = $1`, id)
		return err
	})
}

// Events lists the status history oldest first.
func (r *Repository) Events(ctx context.Context, id int64) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, test_request_id, from_status, to_status, actor_id, note, occurred_at
		FROM test_request_events
		WHERE test_request_id = $1
		ORDER BY occurred_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RequestID, &e.From, &e.To, &e.ActorID, &e.Note, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) items(ctx context.Context, requestIDs []int64) (map[int64][]Item, error) {
	out := make(map[int64][]Item, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT test_request_id, id, test_id, code, name, price::float8, department_name, panel_ids, result_data
		FROM test_request_items
		WHERE test_request_id = ANY($1)
		ORDER BY test_request_id, line_order, id`, requestIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			requestID int64
			item      Item
			raw       []byte
		)
		if err := rows.Scan(&requestID, &item.ID, &item.TestID, &item.Code, &item.Name, &item.Price, &item.Department, &item.PanelIDs, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var result Result
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, fmt.Errorf("decode result for item %d: %w", item.ID, err)
			}
			item.Result = &result
		}
		out[requestID] = append(out[requestID], item)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (TestRequest, error) {
	var req TestRequest
	err := row.Scan(&req.ID, &req.PatientID, &req.Status, &req.Priority, &req.PaymentStatus, &req.Notes, &req.CreatedBy, &req.CreatedAt, &req.UpdatedAt)
	return req, err
}

var _ RepositoryPort = (*Repository)(nil)
