package device

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Type is the kind of physical device.
type Type string

const (
	TypeLight      Type = "light"
	TypeThermostat Type = "thermostat"
	TypeLock       Type = "lock"
	TypeCamera     Type = "camera"
	TypeSensor     Type = "sensor"
	TypeSwitch     Type = "switch"
	TypeSpeaker    Type = "speaker"
)

// AllTypes lists every supported device type.
var AllTypes = []Type{TypeLight, TypeThermostat, TypeLock, TypeCamera, TypeSensor, TypeSwitch, TypeSpeaker}

// Valid reports whether t is a supported device type.
func (t Type) Valid() bool {
	_, ok := typeFields[t]
	return ok
}

// Status is the coarse operating state of a device.
type Status string

const (
	StatusOn      Status = "on"
	StatusOff     Status = "off"
	StatusIdle    Status = "idle"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOn, StatusOff, StatusIdle, StatusError, StatusOffline:
		return true
	}
	return false
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidID reports whether id can be used as a device identifier. IDs appear
// as an MQTT topic level, so they are limited to letters, digits, '-' and '_'.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Device is a single controllable or monitorable device.
type Device struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	RoomID      string     `json:"roomId,omitempty"`
	Name        string     `json:"name"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Attributes  Attributes `json:"attributes"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Sequence    uint64     `json:"sequence"`
}

// DeepCopy returns an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Attributes != nil {
		cp.Attributes = d.Attributes.clone()
	}
	return &cp
}

// Validate checks identity, enums and attribute ranges.
func (d *Device) Validate() error {
	if !ValidID(d.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidDevice, d.ID)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if d.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidDevice)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidDevice, d.Type)
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidDevice, d.Status)
	}
	if d.Attributes == nil {
		return fmt.Errorf("%w: attributes are required", ErrInvalidDevice)
	}
	if d.Attributes.Type() != d.Type {
		return fmt.Errorf("%w: %s attributes on a %s", ErrInvalidDevice, d.Attributes.Type(), d.Type)
	}
	return ValidateDelta(d.Type, d.Attributes.asDelta())
}

// UnmarshalJSON decodes the attribute object into the struct matching Type.
func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	var raw struct {
		plain
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Device(raw.plain)
	if !d.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidDevice, d.Type)
	}

	attrs, err := DecodeAttributes(d.Type, raw.Attributes)
	if err != nil {
		return err
	}
	d.Attributes = attrs
	return nil
}

// Result is the outcome of Registry.Apply.
type Result struct {
	// Device is the state after the apply.
	Device Device

	// Delta holds only the fields whose value actually changed.
	Delta Delta

	// Accepted holds every requested field that was not stale, including
	// values the device already had.
	Accepted Delta

	// Changed is false when every field was stale or already equal.
	Changed bool
}

// Event is a state change to be fanned out to live sessions.
// For one device, Sequence is strictly increasing across events.
type Event struct {
	DeviceID  string
	OwnerID   string
	Delta     Delta
	Timestamp time.Time
	Sequence  uint64
}

// EventFrom builds the broadcast event for an applied result.
func EventFrom(r Result) Event {
	return Event{
		DeviceID:  r.Device.ID,
		OwnerID:   r.Device.UserID,
		Delta:     r.Delta,
		Timestamp: r.Device.LastUpdated,
		Sequence:  r.Device.Sequence,
	}
}

// Viewer decides which devices a caller may see.
type Viewer interface {
	CanSee(ownerID string) bool
}

// Metadata is a descriptive change to a device. Nil fields are left alone.
type Metadata struct {
	Name   *string `json:"name,omitempty"`
	RoomID *string `json:"roomId,omitempty"`
}

// IsEmpty reports whether no field is set.
func (m Metadata) IsEmpty() bool {
	return m.Name == nil && m.RoomID == nil
}

// Stats summarises registry contents.
type Stats struct {
	Total    int            `json:"total"`
	ByType   map[Type]int   `json:"byType"`
	ByStatus map[Status]int `json:"byStatus"`
}

// Report is a state reading pushed by hardware through the bridge.
type Report struct {
	// Delta holds the reported fields.
	Delta Delta

	// ReceivedAt is when the server received the report; it orders the
	// report against commands.
	ReceivedAt time.Time

	// ReportedAt is the device's own timestamp, if it sent one.
	ReportedAt time.Time
}
