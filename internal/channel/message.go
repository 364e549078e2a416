package channel

import (
	"fmt"
	"strings"

	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// Subject builds the notification subject line for an alarm.
func Subject(alarm *domain.Alarm) string {
	return fmt.Sprintf("[%s] Alarm %s on device %s", priorityLabel(alarm.Priority), alarm.Status, alarm.IMEI)
}

// Body builds the plain-text notification body. Rich templating (MJML /
// Handlebars) is an external collaborator; this is the fallback rendering.
func Body(alarm *domain.Alarm) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alarm: %s\n", alarm.Status)
	fmt.Fprintf(&b, "Device: %s\n", alarm.IMEI)
	fmt.Fprintf(&b, "Time: %s\n", alarm.GPSTime.Format("2006-01-02 15:04:05 MST"))
	if alarm.Latitude != 0 || alarm.Longitude != 0 {
		fmt.Fprintf(&b, "Location: %.6f, %.6f\n", alarm.Latitude, alarm.Longitude)
		fmt.Fprintf(&b, "Map: https://maps.google.com/?q=%.6f,%.6f\n", alarm.Latitude, alarm.Longitude)
	}
	if alarm.Speed > 0 {
		fmt.Fprintf(&b, "Speed: %.1f km/h\n", alarm.Speed)
	}
	if alarm.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", alarm.Category)
	}
	fmt.Fprintf(&b, "Priority: %d/10\n", alarm.Priority)
	return b.String()
}

// SMSText builds the compact single-segment SMS body.
func SMSText(alarm *domain.Alarm) string {
	text := fmt.Sprintf("%s alarm on %s at %s", alarm.Status, alarm.IMEI,
		alarm.GPSTime.Format("15:04 Jan 2"))
	if alarm.Latitude != 0 || alarm.Longitude != 0 {
		text += fmt.Sprintf(" https://maps.google.com/?q=%.5f,%.5f", alarm.Latitude, alarm.Longitude)
	}
	if len(text) > 160 {
		text = text[:157] + "..."
	}
	return text
}

func priorityLabel(p int) string {
	switch {
	case p >= 8:
		return "CRITICAL"
	case p >= 5:
		return "ALERT"
	default:
		return "NOTICE"
	}
}
