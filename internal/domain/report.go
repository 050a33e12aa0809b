package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ReportType identifies the kind of medical document a user submits.
type ReportType string

const (
	ReportTypeMedicalPrescription ReportType = "medical-prescription"
	ReportTypeBloodTest           ReportType = "blood-test-report"
)

var ErrUnknownReportType = errors.New("unknown report type")

// reportTypeIDs must match the identifiers recognized by the backend.
var reportTypeIDs = map[ReportType]string{
	ReportTypeMedicalPrescription: "29574bad-7899-4317-b6f1-8cd26e2e4e3e",
	ReportTypeBloodTest:           "605070dd-30a3-4b8c-b931-2705e39411d0",
}

func (t ReportType) BackendID() string {
	return reportTypeIDs[t]
}

func (t ReportType) Valid() bool {
	_, ok := reportTypeIDs[t]
	return ok
}

// ParseReportType accepts either the slug or the backend identifier.
func ParseReportType(value string) (ReportType, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrUnknownReportType
	}
	candidate := ReportType(strings.ToLower(trimmed))
	if candidate.Valid() {
		return candidate, nil
	}
	for reportType, id := range reportTypeIDs {
		if strings.EqualFold(id, trimmed) {
			return reportType, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownReportType, trimmed)
}

// AnalysisResult is the structured record returned by the analyze endpoint.
type AnalysisResult struct {
	Summary         string            `json:"summary"`
	KeyFindings     Findings          `json:"key_findings"`
	Recommendations []string          `json:"recommendations"`
	Insights        string            `json:"insights,omitempty"`
	Medications     []json.RawMessage `json:"medications,omitempty"`
}

// Finding is one named entry of the key findings object. Key is empty when
// the backend sent findings as a plain list.
type Finding struct {
	Key   string
	Value json.RawMessage
}

// Findings keeps the backend's key order, which a Go map would lose.
type Findings []Finding

func (f *Findings) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("decode key findings: %w", err)
	}
	if token == nil {
		*f = nil
		return nil
	}

	delim, ok := token.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return errors.New("decode key findings: expected object or array")
	}

	out := make(Findings, 0)
	for decoder.More() {
		var item Finding
		if delim == '{' {
			keyToken, err := decoder.Token()
			if err != nil {
				return fmt.Errorf("decode key findings: %w", err)
			}
			item.Key, _ = keyToken.(string)
		}
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return fmt.Errorf("decode key findings: %w", err)
		}
		item.Value = compactJSON(raw)
		out = append(out, item)
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("decode key findings: %w", err)
	}

	*f = out
	return nil
}

// listForm reports whether the findings came from a JSON array, which is
// the only way every key ends up empty.
func (f Findings) listForm() bool {
	if len(f) == 0 {
		return false
	}
	for _, item := range f {
		if item.Key != "" {
			return false
		}
	}
	return true
}

// MarshalJSON writes an object in backend key order, or an array when the
// backend sent a plain list.
func (f Findings) MarshalJSON() ([]byte, error) {
	if f.listForm() {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for index, item := range f {
			if index > 0 {
				buf.WriteByte(',')
			}
			if len(item.Value) == 0 {
				buf.WriteString("null")
				continue
			}
			buf.Write(compactJSON(item.Value))
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for index, item := range f {
		if index > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(item.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(compactJSON(item.Value))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Text renders the value the way a template literal would: strings verbatim,
// everything else as JSON text.
func (f Finding) Text() string {
	if len(f.Value) == 0 {
		return "null"
	}
	var text string
	if err := json.Unmarshal(f.Value, &text); err == nil {
		return text
	}
	return string(compactJSON(f.Value))
}

func compactJSON(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
