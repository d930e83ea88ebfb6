package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/nerrad567/homesync-core/internal/device"
)

// Limits are the command-level value bounds that are configurable rather
// than physical.
type Limits struct {
	TemperatureMin float64
	TemperatureMax float64
}

// DefaultLimits returns the factory thermostat band in degrees Fahrenheit.
func DefaultLimits() Limits {
	return Limits{TemperatureMin: 60, TemperatureMax: 85}
}

// commandTypes lists the device types that accept each command.
// Sensors accept none.
var commandTypes = map[string][]device.Type{
	Toggle:         {device.TypeLight, device.TypeSwitch, device.TypeSpeaker, device.TypeThermostat, device.TypeCamera},
	SetBrightness:  {device.TypeLight},
	SetColor:       {device.TypeLight},
	SetTemperature: {device.TypeThermostat},
	SetVolume:      {device.TypeSpeaker},
	Lock:           {device.TypeLock},
	Unlock:         {device.TypeLock},
	SetRecording:   {device.TypeCamera},
}

// Supports reports whether devices of type t accept the named command.
func Supports(t device.Type, name string) bool {
	return slices.Contains(commandTypes[name], t)
}

// Translate turns a named command and its raw JSON value into the delta it
// requests against dev. It does not modify dev. Errors wrap ErrInvalidCommand.
func Translate(dev device.Device, name string, raw json.RawMessage, limits Limits) (device.Delta, error) {
	if _, known := commandTypes[name]; !known {
		return device.Delta{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, name)
	}
	if !Supports(dev.Type, name) {
		return device.Delta{}, fmt.Errorf("%w: %s is not supported by %s devices", ErrInvalidCommand, name, dev.Type)
	}

	switch name {
	case Toggle:
		return toggle(dev, raw)

	case SetBrightness:
		v, err := percent(name, raw)
		if err != nil {
			return device.Delta{}, err
		}
		return device.Delta{Brightness: &v}, nil

	case SetVolume:
		v, err := percent(name, raw)
		if err != nil {
			return device.Delta{}, err
		}
		return device.Delta{Volume: &v}, nil

	case SetColor:
		c, err := device.ParseColor(raw)
		if err != nil {
			return device.Delta{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		return device.Delta{Color: &c}, nil

	case SetTemperature:
		v, err := number(name, raw)
		if err != nil {
			return device.Delta{}, err
		}
		if v < limits.TemperatureMin || v > limits.TemperatureMax {
			return device.Delta{}, fmt.Errorf("%w: %s %v outside %v-%v",
				ErrInvalidCommand, name, v, limits.TemperatureMin, limits.TemperatureMax)
		}
		return device.Delta{TargetTemperature: &v}, nil

	case Lock, Unlock:
		locked := name == Lock
		return device.Delta{Locked: &locked}, nil

	case SetRecording:
		on, err := boolean(name, raw)
		if err != nil {
			return device.Delta{}, err
		}
		return device.Delta{Recording: &on}, nil
	}

	return device.Delta{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, name)
}

// toggle sets the requested status, or flips it when no value is given.
// Anything other than "on" counts as off when flipping.
func toggle(dev device.Device, raw json.RawMessage) (device.Delta, error) {
	var next device.Status
	if isAbsent(raw) {
		next = device.StatusOn
		if dev.Status == device.StatusOn {
			next = device.StatusOff
		}
		return device.Delta{Status: &next}, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return device.Delta{}, fmt.Errorf("%w: toggle value: %w", ErrInvalidCommand, err)
	}
	switch v {
	case "on", true:
		next = device.StatusOn
	case "off", false:
		next = device.StatusOff
	default:
		return device.Delta{}, fmt.Errorf("%w: toggle value %s must be on, off, true or false", ErrInvalidCommand, raw)
	}
	return device.Delta{Status: &next}, nil
}

func percent(name string, raw json.RawMessage) (int, error) {
	v, err := number(name, raw)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: %s %v must be an integer 0-100", ErrInvalidCommand, name, v)
	}
	return int(v), nil
}

func number(name string, raw json.RawMessage) (float64, error) {
	if isAbsent(raw) {
		return 0, fmt.Errorf("%w: %s requires a value", ErrInvalidCommand, name)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %s value %s is not a number", ErrInvalidCommand, name, raw)
	}
	return v, nil
}

func boolean(name string, raw json.RawMessage) (bool, error) {
	if isAbsent(raw) {
		return false, fmt.Errorf("%w: %s requires a value", ErrInvalidCommand, name)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("%w: %s value %s is not a boolean", ErrInvalidCommand, name, raw)
	}
	return v, nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
