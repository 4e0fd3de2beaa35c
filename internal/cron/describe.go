package cron

import (
	"fmt"
	"strings"
)

// wellKnown maps common expressions to a fixed phrase. Checked before the
// generic generator so frequent schedules read naturally in the UI.
var wellKnown = map[string]string{
	"* * * * *":    "Every minute",
	"*/5 * * * *":  "Every 5 minutes",
	"*/10 * * * *": "Every 10 minutes",
	"*/15 * * * *": "Every 15 minutes",
	"*/30 * * * *": "Every 30 minutes",
	"0 * * * *":    "Every hour",
	"0 */2 * * *":  "Every 2 hours",
	"0 0 * * *":    "Daily at midnight",
	"0 12 * * *":   "Daily at 12:00 PM",
	"0 9 * * 1-5":  "Weekdays at 9:00 AM",
	"0 0 * * 0":    "Sundays at midnight",
	"0 0 * * 1":    "Mondays at midnight",
	"0 0 1 * *":    "Monthly on the 1st at midnight",
}

var dayNames = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

var monthNames = [13]string{"", "January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

// Describe renders a short English phrase for the schedule. Informational
// only; scheduling never consults it.
func (s *Schedule) Describe() string {
	if phrase, ok := wellKnown[normalize(s.expr)]; ok {
		return phrase
	}

	fields := strings.Fields(s.expr)
	parts := []string{describeMinuteHour(fields[0], fields[1])}

	if !s.domStar {
		parts = append(parts, "on day "+joinInts(values(s.dom, 1, 31)))
	}
	if fields[3] != "*" {
		months := values(s.month, 1, 12)
		names := make([]string, len(months))
		for i, m := range months {
			names[i] = monthNames[m]
		}
		parts = append(parts, "in "+strings.Join(names, ", "))
	}
	if !s.dowStar {
		days := values(s.dow, 0, 6)
		names := make([]string, len(days))
		for i, d := range days {
			names[i] = dayNames[d]
		}
		parts = append(parts, "on "+strings.Join(names, ", "))
	}

	return strings.Join(parts, " ")
}

func describeMinuteHour(minuteField, hourField string) string {
	switch {
	case minuteField == "*" && hourField == "*":
		return "Every minute"
	case strings.HasPrefix(minuteField, "*/") && hourField == "*":
		return fmt.Sprintf("Every %s minutes", minuteField[2:])
	case hourField == "*":
		return fmt.Sprintf("At minute %s of every hour", minuteField)
	case strings.HasPrefix(hourField, "*/"):
		return fmt.Sprintf("At minute %s of every %s hours", minuteField, hourField[2:])
	default:
		return fmt.Sprintf("At minute %s past hour %s", minuteField, hourField)
	}
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}

// normalize collapses runs of whitespace so table lookups tolerate extra
// spaces between fields.
func normalize(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}
