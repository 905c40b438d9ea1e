package integration

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/devicelink/internal/platform/hl7v2"
)

// Observation is one OBX segment of a result message.
type Observation struct {
	SetID          string
	ValueType      string // OBX-2
	Code           string // OBX-3.1
	Name           string // OBX-3.2
	Value          string // OBX-5
	Unit           string // OBX-6.1
	ReferenceRange string // OBX-7
	AbnormalFlag   string // OBX-8
}

// IsLink reports whether the observation carries an image-viewer link
// rather than report text.
func (o Observation) IsLink() bool {
	if strings.EqualFold(o.ValueType, "RP") {
		return true
	}
	v := strings.ToLower(o.Value)
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// ResultMessage is the content of an ORU message the processor acts on.
type ResultMessage struct {
	Header hl7v2.Header
	// OrderRefs are the order-identifying values in lookup order: ORC-2,
	// then OBR-2, then OBR-3.
	OrderRefs    []string
	Observations []Observation
}

// OrderID returns the first order reference that is a valid id.
func (r *ResultMessage) OrderID() (uuid.UUID, bool) {
	for _, ref := range r.OrderRefs {
		if id, err := uuid.Parse(strings.TrimSpace(ref)); err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

// ExtractResults reads the order references and observations of msg.
func ExtractResults(msg *hl7v2.Message) *ResultMessage {
	res := &ResultMessage{Header: msg.Header}

	var orc, obr2, obr3 []string
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "ORC":
			orc = appendRef(orc, seg.GetComponent(2, 1))
		case "OBR":
			obr2 = appendRef(obr2, seg.GetComponent(2, 1))
			obr3 = appendRef(obr3, seg.GetComponent(3, 1))
		case "OBX":
			res.Observations = append(res.Observations, observationFrom(seg))
		}
	}
	res.OrderRefs = append(append(orc, obr2...), obr3...)
	return res
}

func appendRef(refs []string, v string) []string {
	v = hl7v2.Unescape(strings.TrimSpace(v))
	if v == "" {
		return refs
	}
	return append(refs, v)
}

func observationFrom(seg *hl7v2.Segment) Observation {
	o := Observation{
		SetID:          seg.GetField(1),
		ValueType:      strings.ToUpper(strings.TrimSpace(seg.GetField(2))),
		Code:           hl7v2.Unescape(strings.TrimSpace(seg.GetComponent(3, 1))),
		Name:           hl7v2.Unescape(seg.GetComponent(3, 2)),
		Value:          hl7v2.Unescape(seg.GetField(5)),
		Unit:           hl7v2.Unescape(seg.GetComponent(6, 1)),
		ReferenceRange: hl7v2.Unescape(seg.GetField(7)),
		AbnormalFlag:   hl7v2.Unescape(seg.GetField(8)),
	}
	// RP values are pointer^application^type; only the pointer is a link.
	if o.ValueType == "RP" {
		o.Value = hl7v2.Unescape(seg.GetComponent(5, 1))
	}
	return o
}
