package labcatalog

import "time"

// Kind distinguishes orderable single tests from bundles.
type Kind string

const (
	KindAnalyte Kind = "analyte"
	KindPanel   Kind = "panel"
)

// Test is the stored catalog row. Panels carry their member analyte ids.
type Test struct {
	ID             int64     `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Department     string    `json:"department_name"`
	Price          float64   `json:"price"`
	Kind           Kind      `json:"type"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	MemberIDs      []int64   `json:"member_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CatalogItem is either an Analyte or a Panel.
type CatalogItem interface {
	ItemID() int64
	isCatalogItem()
}

// Analyte is a single measurable test and the unit of a request item.
type Analyte struct {
	ID             int64   `json:"id"`
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Department     string  `json:"department_name"`
	Price          float64 `json:"price"`
	Unit           string  `json:"unit,omitempty"`
	ReferenceRange string  `json:"reference_range,omitempty"`
}

// Panel bundles analytes ordered together.
type Panel struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Department string    `json:"department_name"`
	Price      float64   `json:"price"`
	Members    []Analyte `json:"members"`
}

func (a Analyte) ItemID() int64 { return a.ID }
func (Analyte) isCatalogItem()  {}
func (p Panel) ItemID() int64   { return p.ID }
func (Panel) isCatalogItem()    {}

func (t Test) analyte() Analyte {
	return Analyte{
		ID:             t.ID,
		Code:           t.Code,
		Name:           t.Name,
		Department:     t.Department,
		Price:          t.Price,
		Unit:           t.Unit,
		ReferenceRange: t.ReferenceRange,
	}
}

type CreateAnalyteRequest struct {
	Code           string  `json:"code" validate:"required,max=40"`
	Name           string  `json:"name" validate:"required,max=200"`
	Department     string  `json:"department_name" validate:"max=100"`
	Price          float64 `json:"price" validate:"gte=0"`
	Unit           string  `json:"unit" validate:"max=40"`
	ReferenceRange string  `json:"reference_range" validate:"max=100"`
}

type CreatePanelRequest struct {
	Code       string  `json:"code" validate:"required,max=40"`
	Name       string  `json:"name" validate:"required,max=200"`
	Department string  `json:"department_name" validate:"max=100"`
	Price      float64 `json:"price" validate:"gte=0"`
	MemberIDs  []int64 `json:"member_ids" validate:"required,min=1,dive,gt=0"`
}

// ListFilters narrows List.
type ListFilters struct {
	Search string
	Kind   Kind
	Limit  int
	Offset int
}

// ImportRowError reports one rejected CSV line.
type ImportRowError struct {
	Line    int    `json:"line"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ImportReport summarises a CSV import.
type ImportReport struct {
	Rows             int              `json:"rows"`
	AnalytesUpserted int              `json:"analytes_upserted"`
	PanelsUpserted   int              `json:"panels_upserted"`
	Errors           []ImportRowError `json:"errors"`
}
