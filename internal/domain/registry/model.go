// Package registry reads the instruments the engine talks to and their
// test-code mappings. Devices are administered elsewhere.
package registry

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoDevice  = errors.New("registry: no matching active device")
	ErrNoMapping = errors.New("registry: no test mapping")
)

type DeviceClass string

const (
	ClassLab       DeviceClass = "LAB"
	ClassRadiology DeviceClass = "RADIOLOGY"
)

func (c DeviceClass) Valid() bool {
	return c == ClassLab || c == ClassRadiology
}

const ProtocolMLLP = "HL7_MLLP"

type Device struct {
	ID         uuid.UUID   `json:"id"`
	HospitalID *uuid.UUID  `json:"hospital_id,omitempty"`
	Name       string      `json:"name"`
	Class      DeviceClass `json:"device_class"`
	Host       string      `json:"host"`
	Port       int         `json:"port"`
	Protocol   string      `json:"protocol"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Address is the host:port orders are sent to.
func (d *Device) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// TestMapping translates an internal lab test into the code a device uses.
type TestMapping struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   uuid.UUID `json:"device_id"`
	LabTestID  uuid.UUID `json:"lab_test_id"`
	DeviceCode string    `json:"device_code"`
}
