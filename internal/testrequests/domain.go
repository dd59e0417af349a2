package testrequests

import "time"

// Status is the workflow state of a test request.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSampleCollected Status = "SAMPLE_COLLECTED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusUnderReview     Status = "UNDER_REVIEW"
	StatusVerified        Status = "VERIFIED"
	StatusReleased        Status = "RELEASED"
	StatusReopened        Status = "REOPENED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// Priority orders work on the bench.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// PaymentStatus tracks billing independently of Status.
type PaymentStatus string

const (
	PaymentUnbilled PaymentStatus = "UNBILLED"
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPartial  PaymentStatus = "PARTIAL"
	PaymentPaid     PaymentStatus = "PAID"
)

// TestRequest is an order of analytes for one patient.
type TestRequest struct {
	ID            int64         `json:"id"`
	PatientID     int64         `json:"patient_id"`
	Status        Status        `json:"status"`
	Priority      Priority      `json:"priority"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Notes         string        `json:"notes"`
	Items         []Item        `json:"items"`
	CreatedBy     int64         `json:"created_by"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Total sums the item prices.
func (t TestRequest) Total() float64 {
	var total float64
	for _, item := range t.Items {
		total += item.Price
	}
	return total
}

// Item is one analyte on a request. PanelIDs lists every panel that
// contributed it; empty when ordered directly.
type Item struct {
	ID         int64   `json:"id"`
	TestID     int64   `json:"test_id"`
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Department string  `json:"department_name"`
	PanelIDs   []int64 `json:"panel_ids"`
	Result     *Result `json:"result,omitempty"`
}

// Result is the value recorded for an item.
type Result struct {
	Value          string    `json:"value"`
	Units          string    `json:"units,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	Flag           string    `json:"flag,omitempty"`
	Source         string    `json:"source"`
	EnteredBy      int64     `json:"entered_by"`
	EnteredAt      time.Time `json:"entered_at"`
}

// Event is one recorded status change.
type Event struct {
	ID         int64     `json:"id"`
	RequestID  int64     `json:"test_request_id"`
	From       Status    `json:"from_status"`
	To         Status    `json:"to_status"`
	ActorID    int64     `json:"actor_id"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type CreateRequest struct {
	PatientID int64    `json:"patient_id" validate:"required,gt=0"`
	TestIDs   []int64  `json:"test_ids" validate:"required,min=1,dive,gt=0"`
	Priority  Priority `json:"priority" validate:"omitempty,oneof=routine urgent stat"`
	Notes     string   `json:"notes" validate:"max=2000"`
}

type TransitionRequest struct {
	To   Status `json:"to"`
	Note string `json:"note"`
}

// ResultEntry is one manually entered result.
type ResultEntry struct {
	TestID         int64  `json:"test_id" validate:"required,gt=0"`
	Value          string `json:"value" validate:"required,max=500"`
	Units          string `json:"units" validate:"max=40"`
	ReferenceRange string `json:"reference_range" validate:"max=100"`
	Flag           string `json:"flag" validate:"max=10"`
}

// IngestReport summarises an HL7 ingestion.
type IngestReport struct {
	ControlID string   `json:"control_id,omitempty"`
	Applied   int      `json:"applied"`
	Unmatched []string `json:"unmatched"`
}

// ListFilters narrows List.
type ListFilters struct {
	Status    Status
	PatientID int64
	Limit     int
	Offset    int
}
