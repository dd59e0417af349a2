package patients

import "time"

// Sex values accepted on registration.
const (
	SexFemale  = "female"
	SexMale    = "male"
	SexOther   = "other"
	SexUnknown = "unknown"
)

// Patient is a registered person tests are ordered for.
type Patient struct {
	ID        int64      `json:"id"`
	MRN       string     `json:"mrn"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       string     `json:"sex"`
	Phone     string     `json:"phone"`
	Email     string     `json:"email"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FullName joins first and last name.
func (p Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type CreatePatientRequest struct {
	MRN       string     `json:"mrn" validate:"omitempty,max=40"`
	FirstName string     `json:"first_name" validate:"required,max=100"`
	LastName  string     `json:"last_name" validate:"max=100"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       string     `json:"sex" validate:"omitempty,oneof=female male other unknown"`
	Phone     string     `json:"phone" validate:"omitempty,max=50"`
	Email     string     `json:"email" validate:"omitempty,email"`
}

type UpdatePatientRequest struct {
	FirstName *string    `json:"first_name,omitempty" validate:"omitempty,min=1,max=100"`
	LastName  *string    `json:"last_name,omitempty" validate:"omitempty,max=100"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       *string    `json:"sex,omitempty" validate:"omitempty,oneof=female male other unknown"`
	Phone     *string    `json:"phone,omitempty" validate:"omitempty,max=50"`
	Email     *string    `json:"email,omitempty" validate:"omitempty,email"`
}

// ListFilters narrows ListPatients.
type ListFilters struct {
	Search string
	Limit  int
	Offset int
}
