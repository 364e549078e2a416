package domain

import "time"

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// Channels lists every delivery channel in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelVoice}

// Alarm is a device-generated event that requires notification dispatch.
// (imei, gps_time) identifies the event upstream; ID identifies it here.
type Alarm struct {
	ID         int64     `json:"id" validate:"required,gt=0"`
	IMEI       string    `json:"imei" validate:"required"`
	Status     string    `json:"status" validate:"required"`
	Category   string    `json:"category"`
	Priority   int       `json:"priority" validate:"gte=0,lte=10"` // higher = more urgent
	GPSTime    time.Time `json:"gps_time"`
	ServerTime time.Time `json:"server_time"`
	CreatedAt  time.Time `json:"created_at"`

	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Angle      float64 `json:"angle"`
	Satellites int     `json:"satellites"`
	Speed      float64 `json:"speed"`
	Distance   float64 `json:"distance"`

	EmailEnabled bool `json:"is_email"`
	SMSEnabled   bool `json:"is_sms"`
	VoiceEnabled bool `json:"is_call"`

	EmailSent bool `json:"email_sent"`
	SMSSent   bool `json:"sms_sent"`
	VoiceSent bool `json:"voice_sent"`

	IsValid     bool              `json:"is_valid"`
	State       map[string]string `json:"state,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
}

// ChannelEnabled reports whether dispatch on ch was requested by the producer.
func (a *Alarm) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return a.EmailEnabled
	case ChannelSMS:
		return a.SMSEnabled
	case ChannelVoice:
		return a.VoiceEnabled
	}
	return false
}

// ChannelSent reports whether a successful send was already recorded for ch.
func (a *Alarm) ChannelSent(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return a.EmailSent
	case ChannelSMS:
		return a.SMSSent
	case ChannelVoice:
		return a.VoiceSent
	}
	return false
}
