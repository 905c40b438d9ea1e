package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Segment separator and field delimiters used on the wire.
const (
	SegmentSeparator   = "\r"
	FieldSeparator     = "|"
	ComponentSeparator = "^"
	RepeatSeparator    = "~"
	EncodingCharacters = "^~\\&"
)

// Message type codes this engine exchanges.
const (
	TypeOrder  = "ORM"
	TypeResult = "ORU"
	TypeAck    = "ACK"
)

// Header carries the MSH fields needed to route and acknowledge a message.
type Header struct {
	SendingApp   string // MSH-3
	SendingFac   string // MSH-4
	ReceivingApp string // MSH-5
	ReceivingFac string // MSH-6
	Timestamp    time.Time
	Type         string // MSH-9, e.g. "ORU^R01"
	ControlID    string // MSH-10
	ProcessingID string // MSH-11
	Version      string // MSH-12
}

// MessageCode returns the first component of MSH-9 ("ORU" for "ORU^R01").
func (h Header) MessageCode() string {
	code, _, _ := strings.Cut(h.Type, ComponentSeparator)
	return strings.ToUpper(strings.TrimSpace(code))
}

// TriggerEvent returns the second component of MSH-9 ("R01" for "ORU^R01").
func (h Header) TriggerEvent() string {
	_, trigger, _ := strings.Cut(h.Type, ComponentSeparator)
	trigger, _, _ = strings.Cut(trigger, ComponentSeparator)
	return trigger
}

// Message represents a parsed HL7v2 message.
type Message struct {
	Header
	Segments []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// SplitSegments normalizes line endings and returns the non-empty segment
// lines of raw.
func SplitSegments(raw string) []string {
	text := strings.ReplaceAll(raw, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, SegmentSeparator) {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseHeader reads only the MSH segment of raw. It never fails: a message
// without a usable header yields a zero Header and ok=false.
func ParseHeader(raw string) (Header, bool) {
	for _, line := range SplitSegments(raw) {
		if !strings.HasPrefix(line, "MSH") {
			continue
		}
		seg, err := parseSegment(line)
		if err != nil {
			return Header{}, false
		}
		return headerFrom(&seg), true
	}
	return Header{}, false
}

// Parse parses raw HL7v2 message text into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw string) (*Message, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	segmentLines := SplitSegments(raw)
	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	msg := &Message{}
	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.Header = headerFrom(&msg.Segments[0])
	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH-1 is the field separator itself, so MSH fields are shifted by one
	// relative to every other segment.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})
		for _, part := range strings.Split(line[4:], fieldSep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	name, rest, found := strings.Cut(line, FieldSeparator)
	seg.Name = name
	if found {
		for _, f := range strings.Split(rest, FieldSeparator) {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, RepeatSeparator) {
		f.Repeats = append(f.Repeats, strings.Split(rep, ComponentSeparator))
	}
	f.Components = f.Repeats[0]
	return f
}

func headerFrom(msh *Segment) Header {
	h := Header{
		SendingApp:   msh.GetField(3),
		SendingFac:   msh.GetField(4),
		ReceivingApp: msh.GetField(5),
		ReceivingFac: msh.GetField(6),
		Type:         msh.GetField(9),
		ControlID:    msh.GetField(10),
		ProcessingID: msh.GetField(11),
		Version:      msh.GetField(12),
	}
	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			h.Timestamp = t
		}
	}
	return h
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by its HL7 1-based index.
// For MSH, MSH-1 is Fields[0] (the field separator); for every other
// segment field 1 is Fields[0] as well, it just follows the name.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}
