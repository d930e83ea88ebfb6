package device

import (
	"fmt"
	"math"
)

// Field names a single piece of device state that a Delta can carry.
// The value matches the field's JSON key.
type Field string

const (
	FieldStatus             Field = "status"
	FieldBrightness         Field = "brightness"
	FieldColor              Field = "color"
	FieldTargetTemperature  Field = "targetTemperature"
	FieldCurrentTemperature Field = "currentTemperature"
	FieldLocked             Field = "locked"
	FieldVolume             Field = "volume"
	FieldBatteryLevel       Field = "batteryLevel"
	FieldEnergyUsage        Field = "energyUsage"
	FieldRecording          Field = "recording"
	FieldMotionDetected     Field = "motionDetected"
	FieldLeakDetected       Field = "leakDetected"
)

// typeFields lists the attribute fields each type carries. Status is
// common to every type and not listed.
var typeFields = map[Type][]Field{
	TypeLight:      {FieldBrightness, FieldColor, FieldEnergyUsage},
	TypeThermostat: {FieldTargetTemperature, FieldCurrentTemperature, FieldEnergyUsage},
	TypeLock:       {FieldLocked, FieldBatteryLevel},
	TypeCamera:     {FieldRecording, FieldMotionDetected},
	TypeSensor:     {FieldCurrentTemperature, FieldMotionDetected, FieldLeakDetected, FieldBatteryLevel},
	TypeSwitch:     {FieldEnergyUsage},
	TypeSpeaker:    {FieldVolume},
}

// HasField reports whether devices of type t carry field f.
func HasField(t Type, f Field) bool {
	if f == FieldStatus {
		return t.Valid()
	}
	for _, tf := range typeFields[t] {
		if tf == f {
			return true
		}
	}
	return false
}

// Delta is a partial device state. Nil fields are absent; a marshalled
// Delta contains exactly the fields that are set.
type Delta struct {
	Status             *Status  `json:"status,omitempty"`
	Brightness         *int     `json:"brightness,omitempty"`
	Color              *Color   `json:"color,omitempty"`
	TargetTemperature  *float64 `json:"targetTemperature,omitempty"`
	CurrentTemperature *float64 `json:"currentTemperature,omitempty"`
	Locked             *bool    `json:"locked,omitempty"`
	Volume             *int     `json:"volume,omitempty"`
	BatteryLevel       *int     `json:"batteryLevel,omitempty"`
	EnergyUsage        *float64 `json:"energyUsage,omitempty"`
	Recording          *bool    `json:"recording,omitempty"`
	MotionDetected     *bool    `json:"motionDetected,omitempty"`
	LeakDetected       *bool    `json:"leakDetected,omitempty"`
}

// Fields returns the fields present in the delta in a fixed order.
func (d Delta) Fields() []Field {
	var fs []Field
	add := func(present bool, f Field) {
		if present {
			fs = append(fs, f)
		}
	}
	add(d.Status != nil, FieldStatus)
	add(d.Brightness != nil, FieldBrightness)
	add(d.Color != nil, FieldColor)
	add(d.TargetTemperature != nil, FieldTargetTemperature)
	add(d.CurrentTemperature != nil, FieldCurrentTemperature)
	add(d.Locked != nil, FieldLocked)
	add(d.Volume != nil, FieldVolume)
	add(d.BatteryLevel != nil, FieldBatteryLevel)
	add(d.EnergyUsage != nil, FieldEnergyUsage)
	add(d.Recording != nil, FieldRecording)
	add(d.MotionDetected != nil, FieldMotionDetected)
	add(d.LeakDetected != nil, FieldLeakDetected)
	return fs
}

// IsEmpty reports whether no field is set.
func (d Delta) IsEmpty() bool {
	return len(d.Fields()) == 0
}

// Merge returns d with every field set in next laid over it.
func (d Delta) Merge(next Delta) Delta {
	out := d
	if next.Status != nil {
		out.Status = next.Status
	}
	if next.Brightness != nil {
		out.Brightness = next.Brightness
	}
	if next.Color != nil {
		out.Color = next.Color
	}
	if next.TargetTemperature != nil {
		out.TargetTemperature = next.TargetTemperature
	}
	if next.CurrentTemperature != nil {
		out.CurrentTemperature = next.CurrentTemperature
	}
	if next.Locked != nil {
		out.Locked = next.Locked
	}
	if next.Volume != nil {
		out.Volume = next.Volume
	}
	if next.BatteryLevel != nil {
		out.BatteryLevel = next.BatteryLevel
	}
	if next.EnergyUsage != nil {
		out.EnergyUsage = next.EnergyUsage
	}
	if next.Recording != nil {
		out.Recording = next.Recording
	}
	if next.MotionDetected != nil {
		out.MotionDetected = next.MotionDetected
	}
	if next.LeakDetected != nil {
		out.LeakDetected = next.LeakDetected
	}
	return out
}

// Only returns a copy of d holding just the fields in keep.
func (d Delta) Only(keep map[Field]bool) Delta {
	var out Delta
	if keep[FieldStatus] {
		out.Status = d.Status
	}
	if keep[FieldBrightness] {
		out.Brightness = d.Brightness
	}
	if keep[FieldColor] {
		out.Color = d.Color
	}
	if keep[FieldTargetTemperature] {
		out.TargetTemperature = d.TargetTemperature
	}
	if keep[FieldCurrentTemperature] {
		out.CurrentTemperature = d.CurrentTemperature
	}
	if keep[FieldLocked] {
		out.Locked = d.Locked
	}
	if keep[FieldVolume] {
		out.Volume = d.Volume
	}
	if keep[FieldBatteryLevel] {
		out.BatteryLevel = d.BatteryLevel
	}
	if keep[FieldEnergyUsage] {
		out.EnergyUsage = d.EnergyUsage
	}
	if keep[FieldRecording] {
		out.Recording = d.Recording
	}
	if keep[FieldMotionDetected] {
		out.MotionDetected = d.MotionDetected
	}
	if keep[FieldLeakDetected] {
		out.LeakDetected = d.LeakDetected
	}
	return out
}

// ValidateDelta checks that every field in d belongs to type t and that
// each value is within its physical range. Command-level limits such as the
// thermostat safe band are enforced by the dispatcher.
func ValidateDelta(t Type, d Delta) error {
	for _, f := range d.Fields() {
		if !HasField(t, f) {
			return fmt.Errorf("%w: %s on %s", ErrFieldNotApplicable, f, t)
		}
	}

	if d.Status != nil && !d.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrValueOutOfRange, *d.Status)
	}
	if err := checkPercent(FieldBrightness, d.Brightness); err != nil {
		return err
	}
	if err := checkPercent(FieldVolume, d.Volume); err != nil {
		return err
	}
	if err := checkPercent(FieldBatteryLevel, d.BatteryLevel); err != nil {
		return err
	}
	if d.EnergyUsage != nil && (*d.EnergyUsage < 0 || !finite(*d.EnergyUsage)) {
		return fmt.Errorf("%w: %s %v must be >= 0", ErrValueOutOfRange, FieldEnergyUsage, *d.EnergyUsage)
	}
	for f, v := range map[Field]*float64{
		FieldTargetTemperature:  d.TargetTemperature,
		FieldCurrentTemperature: d.CurrentTemperature,
	} {
		if v != nil && !finite(*v) {
			return fmt.Errorf("%w: %s is not a number", ErrValueOutOfRange, f)
		}
	}
	return nil
}

func checkPercent(f Field, v *int) error {
	if v != nil && (*v < 0 || *v > 100) {
		return fmt.Errorf("%w: %s %d outside 0-100", ErrValueOutOfRange, f, *v)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// applyDelta merges d into dev, consulting keep for each present field,
// and returns the fields whose value changed.
func applyDelta(dev *Device, d Delta, keep func(Field) bool) Delta {
	var eff Delta
	mergeField(FieldStatus, d.Status, &dev.Status, keep, &eff.Status)
	dev.Attributes.merge(d, keep, &eff)
	return eff
}

// ApplyDelta validates d against the device's type and merges it without
// any timestamp checks, returning the fields that changed. It is meant for
// client-side copies; the server mutates devices only through Registry.Apply.
func (d *Device) ApplyDelta(delta Delta) (Delta, error) {
	if err := ValidateDelta(d.Type, delta); err != nil {
		return Delta{}, err
	}
	if d.Attributes == nil {
		d.Attributes = NewAttributes(d.Type)
	}
	return applyDelta(d, delta, keepAll), nil
}
