package hl7v2

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Handler provides HTTP endpoints for inspecting HL7v2 traffic.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse  - Parse HL7v2 message to JSON
//	POST /api/v1/hl7v2/ack    - Build the acknowledgement a message would receive
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/ack", h.PreviewAck)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// MessageJSON is the JSON form of a parsed message.
type MessageJSON struct {
	Type         string        `json:"type"`
	ControlID    string        `json:"controlId"`
	Version      string        `json:"version"`
	Timestamp    string        `json:"timestamp,omitempty"`
	SendingApp   string        `json:"sendingApp"`
	SendingFac   string        `json:"sendingFac"`
	ReceivingApp string        `json:"receivingApp"`
	ReceivingFac string        `json:"receivingFac"`
	Segments     []segmentJSON `json:"segments"`
}

// ToJSON converts msg into its JSON form.
func ToJSON(msg *Message) MessageJSON {
	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}

	out := MessageJSON{
		Type:         msg.Type,
		ControlID:    msg.ControlID,
		Version:      msg.Version,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Segments:     segments,
	}
	if !msg.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp.Format("2006-01-02T15:04:05Z")
	}
	return out
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It accepts raw or MLLP-framed HL7v2 in the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	raw, err := readMessageBody(c)
	if err != nil {
		return err
	}

	msg, err := Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}
	return c.JSON(http.StatusOK, ToJSON(msg))
}

// PreviewAck handles POST /api/v1/hl7v2/ack?code=AA.
// It returns the acknowledgement the listener would send for the body.
func (h *Handler) PreviewAck(c echo.Context) error {
	raw, err := readMessageBody(c)
	if err != nil {
		return err
	}
	if _, ok := ParseHeader(raw); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "message has no MSH segment")
	}

	code := AckCode(strings.ToUpper(c.QueryParam("code")))
	if code == "" {
		code = AckAccept
	}
	if !code.Positive() && !code.Negative() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown acknowledgement code: "+string(code))
	}

	ack := CreateAcknowledgement(raw, code, c.QueryParam("text"))
	return c.String(http.StatusOK, strings.ReplaceAll(ack, SegmentSeparator, "\n"))
}

// readMessageBody reads the request body and strips MLLP framing when present.
func readMessageBody(c echo.Context) (string, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return "", echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}

	raw := string(body)
	if msgs, _ := ExtractMessages(raw); len(msgs) > 0 {
		raw = msgs[0]
	}
	return raw, nil
}
