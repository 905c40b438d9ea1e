package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PatientInfo is the PID content of an outbound message.
type PatientInfo struct {
	ID         string // PID-3, usually the MRN
	FamilyName string
	GivenName  string
	BirthDate  *time.Time
	Gender     string
}

// VisitInfo is the PV1 content of an outbound message.
type VisitInfo struct {
	PatientClass    string // PV1-2, "O" when empty
	Location        string
	AttendingDoctor string
	VisitNumber     string // PV1-19
}

// OrderItem is one requested test or study; it becomes an ORC/OBR pair.
type OrderItem struct {
	PlacerOrderNumber string // ORC-2 / OBR-2, the order id results will reference
	FillerOrderNumber string // ORC-3 / OBR-3, the sub-order id
	Code              string
	Name              string
	CodingSystem      string
	Priority          string
	RequestedAt       time.Time
}

// OrderMessage describes an ORM^O01 sent from this system to an instrument.
type OrderMessage struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	ControlID    string
	Version      string
	Timestamp    time.Time
	Patient      PatientInfo
	Visit        VisitInfo
	Items        []OrderItem
}

// GenerateORM renders an ORM^O01 message: MSH, PID, PV1, then one ORC/OBR
// pair per item. The result is unframed.
func GenerateORM(m OrderMessage) (string, error) {
	if len(m.Items) == 0 {
		return "", fmt.Errorf("hl7v2: order message needs at least one item")
	}
	if m.ControlID == "" {
		m.ControlID = NewControlID()
	}
	if m.Version == "" {
		m.Version = defaultVersion
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	segments := []string{
		buildMSH(m, TypeOrder, "O01"),
		buildPID(m.Patient),
		buildPV1(m.Visit),
	}
	for i, item := range m.Items {
		segments = append(segments, buildORC(item), buildOBR(i+1, item))
	}

	return strings.Join(segments, SegmentSeparator), nil
}

func buildMSH(m OrderMessage, msgType, trigger string) string {
	return strings.Join([]string{
		"MSH",
		EncodingCharacters,
		escapeHL7(m.SendingApp),
		escapeHL7(m.SendingFac),
		escapeHL7(m.ReceivingApp),
		escapeHL7(m.ReceivingFac),
		m.Timestamp.Format("20060102150405"),
		"",
		msgType + ComponentSeparator + trigger,
		m.ControlID,
		"P",
		m.Version,
	}, FieldSeparator)
}

func buildPID(p PatientInfo) string {
	name := ""
	if p.FamilyName != "" || p.GivenName != "" {
		name = escapeHL7(p.FamilyName) + ComponentSeparator + escapeHL7(p.GivenName)
	}
	dob := ""
	if p.BirthDate != nil {
		dob = p.BirthDate.Format("20060102")
	}
	return fmt.Sprintf("PID|1||%s||%s||%s|%s",
		escapeHL7(p.ID), name, dob, mapGender(p.Gender))
}

func buildPV1(v VisitInfo) string {
	class := v.PatientClass
	if class == "" {
		class = "O"
	}
	// PV1-19 (visit number) sits 12 fields after the attending doctor.
	return fmt.Sprintf("PV1|1|%s|%s||||%s||||||||||||%s",
		escapeHL7(class), escapeHL7(v.Location), escapeHL7(v.AttendingDoctor), escapeHL7(v.VisitNumber))
}

func buildORC(item OrderItem) string {
	return fmt.Sprintf("ORC|NW|%s|%s", escapeHL7(item.PlacerOrderNumber), escapeHL7(item.FillerOrderNumber))
}

func buildOBR(setID int, item OrderItem) string {
	universalID := escapeHL7(item.Code)
	if item.Name != "" || item.CodingSystem != "" {
		universalID += ComponentSeparator + escapeHL7(item.Name) + ComponentSeparator + escapeHL7(item.CodingSystem)
	}
	requested := ""
	if !item.RequestedAt.IsZero() {
		requested = item.RequestedAt.UTC().Format("20060102150405")
	}
	return strings.Join([]string{
		"OBR",
		strconv.Itoa(setID),
		escapeHL7(item.PlacerOrderNumber),
		escapeHL7(item.FillerOrderNumber),
		universalID,
		escapeHL7(item.Priority),
		"",
		requested,
	}, FieldSeparator)
}

// escapeHL7 escapes HL7v2 delimiter characters in a field value.
func escapeHL7(s string) string {
	// Backslash first to avoid double-escaping.
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

// Unescape reverses escapeHL7 for values read off the wire.
func Unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	r := strings.NewReplacer("\\F\\", "|", "\\S\\", "^", "\\R\\", "~", "\\T\\", "&", "\\E\\", "\\")
	return r.Replace(s)
}

func mapGender(gender string) string {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "male", "m":
		return "M"
	case "female", "f":
		return "F"
	case "other", "o":
		return "O"
	case "":
		return ""
	default:
		return "U"
	}
}
