package consumer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/fleetwatch/alarm-notifier/internal/apperr"
	"github.com/fleetwatch/alarm-notifier/internal/domain"
)

// flexString accepts both JSON strings and numbers; producers are not
// consistent about quoting imei.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// rawAlarm covers both producer payload shapes: the nested channels map and
// the flat is_email/is_sms/is_call booleans.
type rawAlarm struct {
	AlarmID  *int64     `json:"alarmId"`
	ID       *int64     `json:"id"`
	IMEI     flexString `json:"imei"`
	Status   string     `json:"status"`
	Category string     `json:"category"`
	Priority *int       `json:"priority"`

	Channels *struct {
		Email bool `json:"email"`
		SMS   bool `json:"sms"`
		Voice bool `json:"voice"`
	} `json:"channels"`
	IsEmail *bool `json:"is_email"`
	IsSMS   *bool `json:"is_sms"`
	IsCall  *bool `json:"is_call"`

	ServerTime  *time.Time        `json:"server_time"`
	GPSTime     *time.Time        `json:"gps_time"`
	CreatedAt   *time.Time        `json:"created_at"`
	ScheduledAt *time.Time        `json:"scheduledAt"`
	Latitude    float64           `json:"latitude"`
	Longitude   float64           `json:"longitude"`
	Altitude    float64           `json:"altitude"`
	Angle       float64           `json:"angle"`
	Satellites  int               `json:"satellites"`
	Speed       float64           `json:"speed"`
	Distance    float64           `json:"distance"`
	State       map[string]string `json:"state"`
	ReferenceID string            `json:"reference_id"`
	RetryCount  int               `json:"retry_count"`
}

const defaultPriority = 5

// ParseAlarm normalizes a broker payload into the canonical Alarm. Structural
// failures come back as VALIDATION_ERROR and must be routed to the DLQ, not
// retried.
func ParseAlarm(body []byte) (*domain.Alarm, error) {
	var raw rawAlarm
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed alarm payload", err)
	}

	id := int64(0)
	switch {
	case raw.AlarmID != nil:
		id = *raw.AlarmID
	case raw.ID != nil:
		id = *raw.ID
	}
	if id <= 0 {
		return nil, apperr.Validation("alarm payload missing id")
	}
	if raw.IMEI == "" {
		return nil, apperr.Validation("alarm payload missing imei")
	}
	if strings.TrimSpace(raw.Status) == "" {
		return nil, apperr.Validation("alarm payload missing status")
	}

	priority := defaultPriority
	if raw.Priority != nil {
		priority = *raw.Priority
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	a := &domain.Alarm{
		ID:          id,
		IMEI:        string(raw.IMEI),
		Status:      strings.TrimSpace(raw.Status),
		Category:    raw.Category,
		Priority:    priority,
		Latitude:    raw.Latitude,
		Longitude:   raw.Longitude,
		Altitude:    raw.Altitude,
		Angle:       raw.Angle,
		Satellites:  raw.Satellites,
		Speed:       raw.Speed,
		Distance:    raw.Distance,
		State:       raw.State,
		ReferenceID: raw.ReferenceID,
		IsValid:     true,
	}
	if raw.ServerTime != nil {
		a.ServerTime = *raw.ServerTime
	}
	if raw.GPSTime != nil {
		a.GPSTime = *raw.GPSTime
	}
	if raw.CreatedAt != nil {
		a.CreatedAt = *raw.CreatedAt
	}

	if raw.Channels != nil {
		a.EmailEnabled = raw.Channels.Email
		a.SMSEnabled = raw.Channels.SMS
		a.VoiceEnabled = raw.Channels.Voice
	} else {
		if raw.IsEmail != nil {
			a.EmailEnabled = *raw.IsEmail
		}
		if raw.IsSMS != nil {
			a.SMSEnabled = *raw.IsSMS
		}
		if raw.IsCall != nil {
			a.VoiceEnabled = *raw.IsCall
		}
	}
	return a, nil
}

// retryCount reads the x-retry-count header, tolerating the integer types the
// AMQP client may hand back.
func retryCount(headers map[string]interface{}) int {
	v, ok := headers["x-retry-count"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}
