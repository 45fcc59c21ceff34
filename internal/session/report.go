package session

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades an incident. Canonical values only; use ParseSeverity for
// anything that came off the wire.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeveritySerious  Severity = "Serious"
	SeverityModerate Severity = "Moderate"
	SeverityMinor    Severity = "Minor"
)

// ParseSeverity canonicalizes a severity label case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical":
		return SeverityCritical, nil
	case "serious":
		return SeveritySerious, nil
	case "moderate":
		return SeverityModerate, nil
	case "minor":
		return SeverityMinor, nil
	default:
		return "", fmt.Errorf("unknown severity %q", v)
	}
}

// KeyEvent is one notable moment within the call, offset from its start.
type KeyEvent struct {
	OffsetSeconds float64 `json:"offset_seconds"`
	Description   string  `json:"description"`
}

// Report is the structured extraction result. Timestamp is always set;
// every other field is optional. Collections stay nil when the extraction
// backend did not report them at all, which is distinct from an empty
// collection it reported explicitly.
type Report struct {
	Timestamp       time.Time      `json:"timestamp"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	Severity        *Severity      `json:"severity,omitempty"`
	Injuries        []string       `json:"injuries"`
	Vitals          map[string]any `json:"vitals"`
	ActionsTaken    []string       `json:"actions_taken"`
	EquipmentUsed   []string       `json:"equipment_used"`
	KeyEvents       []KeyEvent     `json:"key_events"`
	Summary         *string        `json:"summary,omitempty"`
	HospitalHandoff *string        `json:"hospital_handoff,omitempty"`
}

func (r Report) clone() Report {
	out := r
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		out.DurationSeconds = &d
	}
	if r.Severity != nil {
		s := *r.Severity
		out.Severity = &s
	}
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	if r.HospitalHandoff != nil {
		h := *r.HospitalHandoff
		out.HospitalHandoff = &h
	}
	if r.Injuries != nil {
		out.Injuries = append([]string(nil), r.Injuries...)
	}
	if r.ActionsTaken != nil {
		out.ActionsTaken = append([]string(nil), r.ActionsTaken...)
	}
	if r.EquipmentUsed != nil {
		out.EquipmentUsed = append([]string(nil), r.EquipmentUsed...)
	}
	if r.KeyEvents != nil {
		out.KeyEvents = append([]KeyEvent(nil), r.KeyEvents...)
	}
	if r.Vitals != nil {
		out.Vitals = make(map[string]any, len(r.Vitals))
		for k, v := range r.Vitals {
			out.Vitals[k] = v
		}
	}
	return out
}
