package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AckCode is the MSA-1 acknowledgement code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"

	// Enhanced-mode commit codes some instruments answer with.
	AckCommitAccept AckCode = "CA"
	AckCommitError  AckCode = "CE"
	AckCommitReject AckCode = "CR"
)

// Positive reports whether the code accepts the message.
func (c AckCode) Positive() bool {
	return c == AckAccept || c == AckCommitAccept
}

// Negative reports whether the code rejects the message.
func (c AckCode) Negative() bool {
	switch c {
	case AckError, AckReject, AckCommitError, AckCommitReject:
		return true
	}
	return false
}

const defaultVersion = "2.5"

// NewControlID returns a message control id that is unique per call and fits
// the 20 character MSH-10 limit.
func NewControlID() string {
	return time.Now().UTC().Format("20060102150405") + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// CreateAcknowledgement builds an ACK for the original message text. Only the
// header of original is read: the control id is echoed in MSA-2 and the
// sending and receiving identities are swapped. The result is unframed.
func CreateAcknowledgement(original string, code AckCode, detail string) string {
	h, _ := ParseHeader(original)

	version := h.Version
	if version == "" {
		version = defaultVersion
	}
	processing := h.ProcessingID
	if processing == "" {
		processing = "P"
	}

	ackType := TypeAck
	if trigger := h.TriggerEvent(); trigger != "" {
		ackType += ComponentSeparator + trigger
	}

	msh := strings.Join([]string{
		"MSH",
		EncodingCharacters,
		escapeHL7(h.ReceivingApp),
		escapeHL7(h.ReceivingFac),
		escapeHL7(h.SendingApp),
		escapeHL7(h.SendingFac),
		time.Now().UTC().Format("20060102150405"),
		"",
		ackType,
		NewControlID(),
		processing,
		version,
	}, FieldSeparator)

	msa := strings.Join([]string{"MSA", string(code), h.ControlID}, FieldSeparator)
	if detail != "" {
		msa += FieldSeparator + escapeHL7(detail)
	}

	return msh + SegmentSeparator + msa
}

// Acknowledgement is the decoded reply to a message we sent.
type Acknowledgement struct {
	Code      AckCode
	ControlID string
	Text      string
}

// ParseAcknowledgement finds the MSA segment in a reply. Replies that are
// not valid HL7 but still carry an "MSA|" segment are accepted as well, since
// some instruments answer with bare segments.
func ParseAcknowledgement(reply string) (Acknowledgement, error) {
	for _, line := range SplitSegments(reply) {
		idx := strings.Index(line, "MSA"+FieldSeparator)
		if idx == -1 {
			continue
		}
		seg, err := parseSegment(line[idx:])
		if err != nil {
			continue
		}
		ack := Acknowledgement{
			Code:      AckCode(strings.ToUpper(strings.TrimSpace(seg.GetField(1)))),
			ControlID: seg.GetField(2),
			Text:      seg.GetField(3),
		}
		if ack.Code.Positive() || ack.Code.Negative() {
			return ack, nil
		}
		return ack, fmt.Errorf("hl7v2: unrecognized acknowledgement code %q", ack.Code)
	}
	return Acknowledgement{}, fmt.Errorf("hl7v2: reply carries no MSA segment")
}
