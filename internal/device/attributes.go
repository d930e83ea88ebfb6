package device

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Attributes is the type-specific part of a device's state. Exactly one
// concrete struct exists per Type.
type Attributes interface {
	// Type returns the device type these attributes belong to.
	Type() Type

	clone() Attributes
	asDelta() Delta
	merge(d Delta, keep func(Field) bool, eff *Delta)
}

// LightAttributes are the attributes of a light.
type LightAttributes struct {
	Brightness  int     `json:"brightness"`
	Color       Color   `json:"color"`
	EnergyUsage float64 `json:"energyUsage"`
}

// ThermostatAttributes are the attributes of a thermostat. Temperatures are
// in degrees Fahrenheit.
type ThermostatAttributes struct {
	TargetTemperature  float64 `json:"targetTemperature"`
	CurrentTemperature float64 `json:"currentTemperature"`
	EnergyUsage        float64 `json:"energyUsage"`
}

// LockAttributes are the attributes of a door lock.
type LockAttributes struct {
	Locked       bool `json:"locked"`
	BatteryLevel int  `json:"batteryLevel"`
}

// CameraAttributes are the attributes of a camera.
type CameraAttributes struct {
	Recording      bool `json:"recording"`
	MotionDetected bool `json:"motionDetected"`
}

// SensorAttributes are the attributes of a multi-sensor.
type SensorAttributes struct {
	CurrentTemperature float64 `json:"currentTemperature"`
	MotionDetected     bool    `json:"motionDetected"`
	LeakDetected       bool    `json:"leakDetected"`
	BatteryLevel       int     `json:"batteryLevel"`
}

// SwitchAttributes are the attributes of a smart plug or switch.
type SwitchAttributes struct {
	EnergyUsage float64 `json:"energyUsage"`
}

// SpeakerAttributes are the attributes of a speaker.
type SpeakerAttributes struct {
	Volume int `json:"volume"`
}

func (*LightAttributes) Type() Type      { return TypeLight }
func (*ThermostatAttributes) Type() Type { return TypeThermostat }
func (*LockAttributes) Type() Type       { return TypeLock }
func (*CameraAttributes) Type() Type     { return TypeCamera }
func (*SensorAttributes) Type() Type     { return TypeSensor }
func (*SwitchAttributes) Type() Type     { return TypeSwitch }
func (*SpeakerAttributes) Type() Type    { return TypeSpeaker }

func (a *LightAttributes) clone() Attributes      { cp := *a; return &cp }
func (a *ThermostatAttributes) clone() Attributes { cp := *a; return &cp }
func (a *LockAttributes) clone() Attributes       { cp := *a; return &cp }
func (a *CameraAttributes) clone() Attributes     { cp := *a; return &cp }
func (a *SensorAttributes) clone() Attributes     { cp := *a; return &cp }
func (a *SwitchAttributes) clone() Attributes     { cp := *a; return &cp }
func (a *SpeakerAttributes) clone() Attributes    { cp := *a; return &cp }

func (a *LightAttributes) asDelta() Delta {
	return Delta{Brightness: ptr(a.Brightness), Color: ptr(a.Color), EnergyUsage: ptr(a.EnergyUsage)}
}

func (a *ThermostatAttributes) asDelta() Delta {
	return Delta{
		TargetTemperature:  ptr(a.TargetTemperature),
		CurrentTemperature: ptr(a.CurrentTemperature),
		EnergyUsage:        ptr(a.EnergyUsage),
	}
}

func (a *LockAttributes) asDelta() Delta {
	return Delta{Locked: ptr(a.Locked), BatteryLevel: ptr(a.BatteryLevel)}
}

func (a *CameraAttributes) asDelta() Delta {
	return Delta{Recording: ptr(a.Recording), MotionDetected: ptr(a.MotionDetected)}
}

func (a *SensorAttributes) asDelta() Delta {
	return Delta{
		CurrentTemperature: ptr(a.CurrentTemperature),
		MotionDetected:     ptr(a.MotionDetected),
		LeakDetected:       ptr(a.LeakDetected),
		BatteryLevel:       ptr(a.BatteryLevel),
	}
}

func (a *SwitchAttributes) asDelta() Delta  { return Delta{EnergyUsage: ptr(a.EnergyUsage)} }
func (a *SpeakerAttributes) asDelta() Delta { return Delta{Volume: ptr(a.Volume)} }

func (a *LightAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldBrightness, d.Brightness, &a.Brightness, keep, &eff.Brightness)
	mergeField(FieldColor, d.Color, &a.Color, keep, &eff.Color)
	mergeField(FieldEnergyUsage, d.EnergyUsage, &a.EnergyUsage, keep, &eff.EnergyUsage)
}

func (a *ThermostatAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldTargetTemperature, d.TargetTemperature, &a.TargetTemperature, keep, &eff.TargetTemperature)
	mergeField(FieldCurrentTemperature, d.CurrentTemperature, &a.CurrentTemperature, keep, &eff.CurrentTemperature)
	mergeField(FieldEnergyUsage, d.EnergyUsage, &a.EnergyUsage, keep, &eff.EnergyUsage)
}

func (a *LockAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldLocked, d.Locked, &a.Locked, keep, &eff.Locked)
	mergeField(FieldBatteryLevel, d.BatteryLevel, &a.BatteryLevel, keep, &eff.BatteryLevel)
}

func (a *CameraAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldRecording, d.Recording, &a.Recording, keep, &eff.Recording)
	mergeField(FieldMotionDetected, d.MotionDetected, &a.MotionDetected, keep, &eff.MotionDetected)
}

func (a *SensorAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldCurrentTemperature, d.CurrentTemperature, &a.CurrentTemperature, keep, &eff.CurrentTemperature)
	mergeField(FieldMotionDetected, d.MotionDetected, &a.MotionDetected, keep, &eff.MotionDetected)
	mergeField(FieldLeakDetected, d.LeakDetected, &a.LeakDetected, keep, &eff.LeakDetected)
	mergeField(FieldBatteryLevel, d.BatteryLevel, &a.BatteryLevel, keep, &eff.BatteryLevel)
}

func (a *SwitchAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldEnergyUsage, d.EnergyUsage, &a.EnergyUsage, keep, &eff.EnergyUsage)
}

func (a *SpeakerAttributes) merge(d Delta, keep func(Field) bool, eff *Delta) {
	mergeField(FieldVolume, d.Volume, &a.Volume, keep, &eff.Volume)
}

// mergeField copies *src into *dst when the field is present, not stale and
// different, recording the new value in *out.
func mergeField[T comparable](f Field, src, dst *T, keep func(Field) bool, out **T) {
	if src == nil || !keep(f) || *src == *dst {
		return
	}
	*dst = *src
	*out = ptr(*src)
}

func ptr[T any](v T) *T { return &v }

// NewAttributes returns the factory-default attributes for t, or nil for an
// unknown type.
func NewAttributes(t Type) Attributes {
	switch t {
	case TypeLight:
		return &LightAttributes{Brightness: 100, Color: Color{R: 255, G: 255, B: 255}}
	case TypeThermostat:
		return &ThermostatAttributes{TargetTemperature: 70, CurrentTemperature: 70}
	case TypeLock:
		return &LockAttributes{Locked: true, BatteryLevel: 100}
	case TypeCamera:
		return &CameraAttributes{}
	case TypeSensor:
		return &SensorAttributes{BatteryLevel: 100}
	case TypeSwitch:
		return &SwitchAttributes{}
	case TypeSpeaker:
		return &SpeakerAttributes{Volume: 50}
	}
	return nil
}

// DecodeAttributes parses an attribute object for a device of type t.
// Fields left out keep their defaults; fields that t does not have are
// rejected with ErrFieldNotApplicable.
func DecodeAttributes(t Type, raw json.RawMessage) (Attributes, error) {
	attrs := NewAttributes(t)
	if attrs == nil {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidDevice, t)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return attrs, nil
	}

	var d Delta
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: attributes: %w", ErrInvalidDevice, err)
	}
	if d.Status != nil {
		return nil, fmt.Errorf("%w: status is not an attribute", ErrFieldNotApplicable)
	}
	if err := ValidateDelta(t, d); err != nil {
		return nil, err
	}

	attrs.merge(d, keepAll, &Delta{})
	return attrs, nil
}

func keepAll(Field) bool { return true }
