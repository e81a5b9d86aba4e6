package models

import "time"

// TriggerSource identifies a physical input that can raise an emergency.
type TriggerSource string

const (
	TriggerShake      TriggerSource = "shake"
	TriggerVolumeUp   TriggerSource = "volume-up"
	TriggerVolumeDown TriggerSource = "volume-down"
	TriggerPower      TriggerSource = "power-button"
	TriggerManual     TriggerSource = "manual"
)

// TriggerEvent is a raw input event. Ephemeral: it exists only to be fused
// against the cooldown window before producing a single activation.
type TriggerEvent struct {
	Source TriggerSource `json:"source"`
	// Magnitude is the accelerometer reading for shake events; unused for
	// button sources.
	Magnitude float64   `json:"magnitude,omitempty"`
	At        time.Time `json:"at"`
}
