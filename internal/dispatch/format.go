package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"incident_core/internal/session"
)

func severityEmoji(sev *session.Severity) string {
	if sev == nil {
		return "⚪"
	}
	switch *sev {
	case session.SeverityCritical:
		return "🔴"
	case session.SeveritySerious:
		return "🟠"
	case session.SeverityModerate:
		return "🟡"
	case session.SeverityMinor:
		return "🟢"
	default:
		return "⚪"
	}
}

func severityLabel(sev *session.Severity) string {
	if sev == nil {
		return "Unrated"
	}
	return string(*sev)
}

// BuildRow flattens a report into the column map a spreadsheet sink appends.
// Absent fields become empty cells.
func BuildRow(sessionID string, rep *session.Report) map[string]any {
	row := map[string]any{
		"session_id":       sessionID,
		"timestamp":        rep.Timestamp.Format(time.RFC3339),
		"severity":         "",
		"duration_seconds": "",
		"injuries":         strings.Join(rep.Injuries, "; "),
		"actions_taken":    strings.Join(rep.ActionsTaken, "; "),
		"equipment_used":   strings.Join(rep.EquipmentUsed, "; "),
		"summary":          "",
		"hospital_handoff": "",
		"vitals":           "",
		"key_events":       "",
	}
	if rep.Severity != nil {
		row["severity"] = string(*rep.Severity)
	}
	if rep.DurationSeconds != nil {
		row["duration_seconds"] = *rep.DurationSeconds
	}
	if rep.Summary != nil {
		row["summary"] = *rep.Summary
	}
	if rep.HospitalHandoff != nil {
		row["hospital_handoff"] = *rep.HospitalHandoff
	}
	if rep.Vitals != nil {
		buf, _ := json.Marshal(rep.Vitals)
		row["vitals"] = string(buf)
	}
	if rep.KeyEvents != nil {
		parts := make([]string, 0, len(rep.KeyEvents))
		for _, ev := range rep.KeyEvents {
			parts = append(parts, fmt.Sprintf("+%.0fs %s", ev.OffsetSeconds, ev.Description))
		}
		row["key_events"] = strings.Join(parts, "; ")
	}
	return row
}

// BuildEmail renders the notification subject and body for the mail sink.
func BuildEmail(sessionID string, rep *session.Report) (subject, body string) {
	subject = fmt.Sprintf("Incident report %s – %s", severityLabel(rep.Severity), rep.Timestamp.Format("2006-01-02 15:04 MST"))

	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", sessionID)
	fmt.Fprintf(&b, "Time: %s\n", rep.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&b, "Severity: %s\n", severityLabel(rep.Severity))
	if rep.DurationSeconds != nil {
		fmt.Fprintf(&b, "Duration: %.0fs\n", *rep.DurationSeconds)
	}
	if len(rep.Injuries) > 0 {
		fmt.Fprintf(&b, "Injuries: %s\n", strings.Join(rep.Injuries, ", "))
	}
	if len(rep.ActionsTaken) > 0 {
		fmt.Fprintf(&b, "Actions taken: %s\n", strings.Join(rep.ActionsTaken, ", "))
	}
	if len(rep.EquipmentUsed) > 0 {
		fmt.Fprintf(&b, "Equipment used: %s\n", strings.Join(rep.EquipmentUsed, ", "))
	}
	if len(rep.Vitals) > 0 {
		b.WriteString("Vitals:\n")
		for name, value := range rep.Vitals {
			fmt.Fprintf(&b, "  %s: %v\n", name, value)
		}
	}
	if len(rep.KeyEvents) > 0 {
		b.WriteString("Key events:\n")
		for _, ev := range rep.KeyEvents {
			fmt.Fprintf(&b, "  +%.0fs %s\n", ev.OffsetSeconds, ev.Description)
		}
	}
	if rep.Summary != nil && *rep.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", *rep.Summary)
	}
	if rep.HospitalHandoff != nil && *rep.HospitalHandoff != "" {
		fmt.Fprintf(&b, "\nHospital handoff: %s\n", *rep.HospitalHandoff)
	}
	return subject, b.String()
}

// BuildChatMessage renders the short alert body posted to the chat sink.
func BuildChatMessage(sessionID string, rep *session.Report) string {
	parts := []string{fmt.Sprintf("%s %s incident", severityEmoji(rep.Severity), severityLabel(rep.Severity))}
	if rep.Summary != nil && *rep.Summary != "" {
		parts = append(parts, *rep.Summary)
	} else if len(rep.ActionsTaken) > 0 {
		parts = append(parts, strings.Join(rep.ActionsTaken, ", "))
	}
	parts = append(parts, fmt.Sprintf("session %s", sessionID))
	return strings.Join(parts, " – ")
}
