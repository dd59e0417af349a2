package audit

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTimelineRepo struct {
	rows      []TimelineRow
	lastQuery WindowQuery
}

func (s *stubTimelineRepo) Window(ctx context.Context, q WindowQuery) ([]TimelineRow, error) {
	s.lastQuery = q
	rows := s.rows
	if q.Offset < len(rows) {
		rows = rows[q.Offset:]
	} else {
		rows = nil
	}
	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func sampleRows() []TimelineRow {
	at := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	return []TimelineRow{
		{ID: 3, At: at, ActorID: 4, ActorEmail: "tech@lab.test", Action: "test_requests.transition", Entity: "test_request", EntityID: "12", Meta: map[string]any{"from": "PENDING", "to": "SAMPLE_COLLECTED"}},
		{ID: 2, At: at.Add(-time.Hour), ActorID: 5, ActorEmail: "desk@lab.test", Action: "test_requests.create", Entity: "test_request", EntityID: "12"},
		{ID: 1, At: at.Add(-2 * time.Hour), ActorID: 5, ActorEmail: "desk@lab.test", Action: "patients.create", Entity: "patient", EntityID: "7"},
	}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: sampleRows()}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2, Entity: " test_request "})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 2, result.Paging.NextPage)
	assert.Zero(t, result.Paging.PrevPage)
	assert.Equal(t, 3, repo.lastQuery.Limit)
	assert.Equal(t, 0, repo.lastQuery.Offset)
	assert.Equal(t, "test_request", repo.lastQuery.Entity)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)
	assert.False(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Equal(t, 2, repo.lastQuery.Offset)
}

func TestServiceTimelineDefaults(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 1000})
	require.NoError(t, err)
	assert.NotNil(t, result.Rows)
	assert.Equal(t, 1, result.Paging.Page)
	assert.Equal(t, maxPageSize, result.Paging.PageSize)
	assert.Equal(t, maxPageSize+1, repo.lastQuery.Limit)

	_, err = NewService(nil).Timeline(context.Background(), TimelineFilters{})
	assert.Error(t, err)
}

func TestServiceExport(t *testing.T) {
	repo := &stubTimelineRepo{rows: sampleRows()}
	rows, err := NewService(repo).Export(context.Background(), TimelineFilters{Action: "test_requests."})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, maxExportRows, repo.lastQuery.Limit)
	assert.Equal(t, "test_requests.", repo.lastQuery.Action)
}

func TestWriteCSV(t *testing.T) {
	raw, err := WriteCSV(sampleRows()[:1])
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "2024-03-10T10:00:00Z", records[1][1])
	assert.Equal(t, "test_request", records[1][5])
	assert.JSONEq(t, `{"from":"PENDING","to":"SAMPLE_COLLECTED"}`, records[1][7])
}
