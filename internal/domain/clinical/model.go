// Package clinical is the narrow slice of the hospital's order model the
// device engine reads orders from and writes results into.
package clinical

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrOrderNotFound = errors.New("clinical: order not found")

type OrderType string

const (
	OrderLab       OrderType = "LAB"
	OrderRadiology OrderType = "RADIOLOGY"
)

const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

type Patient struct {
	ID         uuid.UUID  `json:"id"`
	HospitalID *uuid.UUID `json:"hospital_id,omitempty"`
	MRN        string     `json:"mrn"`
	FirstName  string     `json:"first_name"`
	LastName   string     `json:"last_name"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Gender     *string    `json:"gender,omitempty"`
}

// Order is a clinical order with its lab or radiology sub-orders loaded.
type Order struct {
	ID              uuid.UUID         `json:"id"`
	HospitalID      *uuid.UUID        `json:"hospital_id,omitempty"`
	PatientID       uuid.UUID         `json:"patient_id"`
	VisitNumber     *string           `json:"visit_number,omitempty"`
	Type            OrderType         `json:"order_type"`
	Status          string            `json:"status"`
	Priority        *string           `json:"priority,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Patient         *Patient          `json:"patient,omitempty"`
	LabOrders       []*LabOrder       `json:"lab_orders,omitempty"`
	RadiologyOrders []*RadiologyOrder `json:"radiology_orders,omitempty"`
}

type LabTest struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Unit           *string   `json:"unit,omitempty"`
	ReferenceRange *string   `json:"reference_range,omitempty"`
}

// LabTestParameter is one discrete value of a panel test, e.g. HGB in a CBC.
type LabTestParameter struct {
	ID             uuid.UUID `json:"id"`
	LabTestID      uuid.UUID `json:"lab_test_id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Unit           *string   `json:"unit,omitempty"`
	ReferenceRange *string   `json:"reference_range,omitempty"`
}

type LabOrder struct {
	ID             uuid.UUID          `json:"id"`
	OrderID        uuid.UUID          `json:"order_id"`
	Test           LabTest            `json:"test"`
	Parameters     []LabTestParameter `json:"parameters,omitempty"`
	Status         string             `json:"status"`
	ResultValue    *string            `json:"result_value,omitempty"`
	ResultUnit     *string            `json:"result_unit,omitempty"`
	ReferenceRange *string            `json:"reference_range,omitempty"`
	AbnormalFlag   *string            `json:"abnormal_flag,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Parameter returns the test parameter with the given code, if any.
func (l *LabOrder) Parameter(code string) (*LabTestParameter, bool) {
	for i := range l.Parameters {
		if l.Parameters[i].Code == code {
			return &l.Parameters[i], true
		}
	}
	return nil, false
}

type RadiologyStudy struct {
	ID       uuid.UUID `json:"id"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Modality *string   `json:"modality,omitempty"`
}

type RadiologyOrder struct {
	ID          uuid.UUID      `json:"id"`
	OrderID     uuid.UUID      `json:"order_id"`
	Study       RadiologyStudy `json:"study"`
	Status      string         `json:"status"`
	ReportText  *string        `json:"report_text,omitempty"`
	ImageURL    *string        `json:"image_url,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// LabResult is a value reported by an instrument.
type LabResult struct {
	Value          string
	Unit           string
	ReferenceRange string
	AbnormalFlag   string
}

type ParameterResult struct {
	ID          uuid.UUID
	LabOrderID  uuid.UUID
	ParameterID uuid.UUID
	LabResult
}
