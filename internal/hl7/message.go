// Package hl7 parses the subset of HL7 v2 used for analyzer result ingestion.
package hl7

import (
	"fmt"
	"strings"
	"time"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

// Message is a parsed HL7 v2 message.
type Message struct {
	Type       string // MSH-9, e.g. "ORU^R01"
	ControlID  string // MSH-10
	Version    string // MSH-12
	SendingApp string // MSH-3
	Timestamp  time.Time
	Segments   []Segment
}

// Segment is one line of a message.
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the raw value and its first-repetition components.
type Field struct {
	Value      string
	Components []string
}

// Observation is one OBX result line.
type Observation struct {
	SetID          string `json:"set_id,omitempty"`
	ValueType      string `json:"value_type,omitempty"`
	Code           string `json:"code"`
	Text           string `json:"text,omitempty"`
	Value          string `json:"value"`
	Units          string `json:"units,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Flag           string `json:"flag,omitempty"`
	Status         string `json:"status,omitempty"`
}

// Parse splits raw into segments. Segments may be separated by \r, \n or \r\n.
// The first segment must be MSH.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: hl7 message is empty", httpx.ErrValidation)
	}
	if !strings.HasPrefix(lines[0], "MSH") || len(lines[0]) < 8 {
		return nil, fmt.Errorf("%w: hl7 message must start with an MSH segment", httpx.ErrValidation)
	}

	fieldSep := string(lines[0][3])
	encoding := lines[0][4:]
	componentSep, repeatSep := "^", "~"
	if len(encoding) >= 2 {
		componentSep, repeatSep = string(encoding[0]), string(encoding[1])
	}

	msg := &Message{}
	for _, line := range lines {
		msg.Segments = append(msg.Segments, parseSegment(line, fieldSep, componentSep, repeatSep))
	}

	msh := msg.Segments[0]
	msg.SendingApp = msh.Field(3)
	msg.Type = msh.Field(9)
	msg.ControlID = msh.Field(10)
	msg.Version = msh.Field(12)
	if ts, err := parseTimestamp(msh.Field(7)); err == nil {
		msg.Timestamp = ts
	}
	return msg, nil
}

func parseSegment(line, fieldSep, componentSep, repeatSep string) Segment {
	if strings.HasPrefix(line, "MSH") {
		// MSH-1 is the separator itself and MSH-2 the encoding characters,
		// which must not be split.
		parts := strings.Split(line[4:], fieldSep)
		seg := Segment{Name: "MSH", Fields: []Field{{Value: fieldSep, Components: []string{fieldSep}}}}
		for i, part := range parts {
			if i == 0 {
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part, componentSep, repeatSep))
		}
		return seg
	}
	name, rest, _ := strings.Cut(line, fieldSep)
	seg := Segment{Name: name}
	if rest == "" {
		return seg
	}
	for _, part := range strings.Split(rest, fieldSep) {
		seg.Fields = append(seg.Fields, parseField(part, componentSep, repeatSep))
	}
	return seg
}

func parseField(raw, componentSep, repeatSep string) Field {
	first, _, _ := strings.Cut(raw, repeatSep)
	return Field{Value: raw, Components: strings.Split(first, componentSep)}
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7: unrecognized timestamp %q", s)
	}
}

// Field returns field n (1-based). For MSH, n follows HL7 numbering so MSH-9
// is Field(9).
func (s Segment) Field(n int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	return s.Fields[n-1].Value
}

// Component returns component c (1-based) of field n.
func (s Segment) Component(n, c int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	comps := s.Fields[n-1].Components
	if c < 1 || c > len(comps) {
		return ""
	}
	return comps[c-1]
}

// Segment returns the first segment named name.
func (m *Message) Segment(name string) (Segment, bool) {
	for _, seg := range m.Segments {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// IsResult reports whether the message is an ORU (observation result).
func (m *Message) IsResult() bool {
	return strings.HasPrefix(m.Type, "ORU")
}

// PlacerOrderNumber returns OBR-2.1, the order number the lab was sent.
func (m *Message) PlacerOrderNumber() string {
	obr, ok := m.Segment("OBR")
	if !ok {
		return ""
	}
	return obr.Component(2, 1)
}

// PatientID returns PID-3.1.
func (m *Message) PatientID() string {
	pid, ok := m.Segment("PID")
	if !ok {
		return ""
	}
	return pid.Component(3, 1)
}

// Observations returns every OBX segment in message order. OBX-3.1 is the
// observation code; entries without one are skipped.
func (m *Message) Observations() []Observation {
	var out []Observation
	for _, seg := range m.Segments {
		if seg.Name != "OBX" {
			continue
		}
		code := strings.TrimSpace(seg.Component(3, 1))
		if code == "" {
			continue
		}
		out = append(out, Observation{
			SetID:          seg.Field(1),
			ValueType:      seg.Field(2),
			Code:           code,
			Text:           seg.Component(3, 2),
			Value:          seg.Field(5),
			Units:          seg.Component(6, 1),
			ReferenceRange: seg.Field(7),
			Flag:           seg.Field(8),
			Status:         seg.Field(11),
		})
	}
	return out
}
