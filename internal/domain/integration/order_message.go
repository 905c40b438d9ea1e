package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/devicelink/internal/domain/clinical"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/hl7v2"
)

var ErrNothingToSend = errors.New("integration: order has no sub-orders for the device class")

// BuildOrderMessage renders order for device as an ORM^O01 description.
// Only the sub-orders of the device's class are included. Lab test codes are
// translated through the device's test mapping; radiology studies use their
// own code.
func BuildOrderMessage(ctx context.Context, cfg DispatcherConfig, order *clinical.Order,
	device *registry.Device, dir Directory) (hl7v2.OrderMessage, error) {
	msg := hl7v2.OrderMessage{
		SendingApp:   cfg.SendingApp,
		SendingFac:   cfg.SendingFacility,
		ReceivingApp: device.Name,
		ControlID:    hl7v2.NewControlID(),
		Version:      cfg.Version,
		Patient:      patientInfo(order),
	}
	if order.VisitNumber != nil {
		msg.Visit.VisitNumber = *order.VisitNumber
	}

	priority := ""
	if order.Priority != nil {
		priority = *order.Priority
	}
	placer := order.ID.String()

	switch device.Class {
	case registry.ClassLab:
		for _, lo := range order.LabOrders {
			msg.Items = append(msg.Items, hl7v2.OrderItem{
				PlacerOrderNumber: placer,
				FillerOrderNumber: lo.ID.String(),
				Code:              dir.DeviceCode(ctx, device.ID, lo.Test.ID, lo.Test.Code),
				Name:              lo.Test.Name,
				Priority:          priority,
				RequestedAt:       order.CreatedAt,
			})
		}
	case registry.ClassRadiology:
		for _, ro := range order.RadiologyOrders {
			msg.Items = append(msg.Items, hl7v2.OrderItem{
				PlacerOrderNumber: placer,
				FillerOrderNumber: ro.ID.String(),
				Code:              ro.Study.Code,
				Name:              ro.Study.Name,
				Priority:          priority,
				RequestedAt:       order.CreatedAt,
			})
		}
	default:
		return msg, fmt.Errorf("%w: device class %q", ErrUnsupportedOrderType, device.Class)
	}

	if len(msg.Items) == 0 {
		return msg, fmt.Errorf("%w: order %s, class %s", ErrNothingToSend, order.ID, device.Class)
	}
	return msg, nil
}

func patientInfo(order *clinical.Order) hl7v2.PatientInfo {
	p := order.Patient
	if p == nil {
		return hl7v2.PatientInfo{ID: order.PatientID.String()}
	}
	info := hl7v2.PatientInfo{
		ID:         p.MRN,
		FamilyName: p.LastName,
		GivenName:  p.FirstName,
		BirthDate:  p.BirthDate,
	}
	if info.ID == "" {
		info.ID = p.ID.String()
	}
	if p.Gender != nil {
		info.Gender = *p.Gender
	}
	return info
}
