package device

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateDelta(t *testing.T) {
	on := StatusOn
	bogus := Status("dancing")

	tests := []struct {
		name    string
		typ     Type
		delta   Delta
		wantErr error
	}{
		{"status on any type", TypeLock, Delta{Status: &on}, nil},
		{"brightness on light", TypeLight, Delta{Brightness: ptr(40)}, nil},
		{"brightness on lock", TypeLock, Delta{Brightness: ptr(40)}, ErrFieldNotApplicable},
		{"color on lock", TypeLock, Delta{Color: &Color{}}, ErrFieldNotApplicable},
		{"volume on light", TypeLight, Delta{Volume: ptr(10)}, ErrFieldNotApplicable},
		{"brightness 150", TypeLight, Delta{Brightness: ptr(150)}, ErrValueOutOfRange},
		{"brightness -1", TypeLight, Delta{Brightness: ptr(-1)}, ErrValueOutOfRange},
		{"battery 101", TypeSensor, Delta{BatteryLevel: ptr(101)}, ErrValueOutOfRange},
		{"negative energy", TypeSwitch, Delta{EnergyUsage: ptr(-0.5)}, ErrValueOutOfRange},
		{"unknown status", TypeLight, Delta{Status: &bogus}, ErrValueOutOfRange},
		{"leak on sensor", TypeSensor, Delta{LeakDetected: ptr(true)}, nil},
		{"empty delta", TypeCamera, Delta{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDelta(tt.typ, tt.delta)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDelta() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDelta_MarshalOnlyPresentFields(t *testing.T) {
	on := StatusOn
	d := Delta{Status: &on, Color: &Color{R: 1, G: 2, B: 3}}

	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != `{"status":"on","color":"#010203"}` {
		t.Errorf("Marshal() = %s", b)
	}

	if got := d.Fields(); len(got) != 2 || got[0] != FieldStatus || got[1] != FieldColor {
		t.Errorf("Fields() = %v, want [status color]", got)
	}
}

func TestDelta_Merge(t *testing.T) {
	off := StatusOff
	on := StatusOn
	a := Delta{Status: &off, Brightness: ptr(10)}
	b := Delta{Status: &on, Color: &Color{R: 9}}

	m := a.Merge(b)
	if *m.Status != StatusOn || *m.Brightness != 10 || m.Color.R != 9 {
		t.Errorf("Merge() = %+v", m)
	}
	if *a.Status != StatusOff {
		t.Error("Merge() modified receiver")
	}
}

func TestDevice_ApplyDelta(t *testing.T) {
	dev := Device{ID: "light-1", Type: TypeLight, Status: StatusOff, Attributes: NewAttributes(TypeLight)}
	on := StatusOn

	eff, err := dev.ApplyDelta(Delta{Status: &on, Brightness: ptr(100)})
	if err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}
	if dev.Status != StatusOn {
		t.Errorf("Status = %q, want on", dev.Status)
	}
	// Brightness was already 100.
	if eff.Brightness != nil || eff.Status == nil {
		t.Errorf("effective delta = %+v, want status only", eff)
	}

	if _, err := dev.ApplyDelta(Delta{Locked: ptr(true)}); !errors.Is(err, ErrFieldNotApplicable) {
		t.Errorf("ApplyDelta(locked) error = %v, want ErrFieldNotApplicable", err)
	}
}

func TestDevice_JSON(t *testing.T) {
	in := []byte(`{
		"id": "lock-front",
		"userId": "usr-1",
		"name": "Front Door",
		"type": "lock",
		"status": "idle",
		"attributes": {"locked": false, "batteryLevel": 42},
		"sequence": 7
	}`)

	var dev Device
	if err := json.Unmarshal(in, &dev); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	lock, ok := dev.Attributes.(*LockAttributes)
	if !ok {
		t.Fatalf("Attributes = %T, want *LockAttributes", dev.Attributes)
	}
	if lock.Locked || lock.BatteryLevel != 42 || dev.Sequence != 7 {
		t.Errorf("decoded = %+v / %+v", dev, lock)
	}

	out, err := json.Marshal(dev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var generic map[string]any
	_ = json.Unmarshal(out, &generic)
	attrs := generic["attributes"].(map[string]any)
	if _, has := attrs["brightness"]; has {
		t.Error("lock attributes must not carry brightness")
	}
}

func TestDecodeAttributes_RejectsForeignFields(t *testing.T) {
	_, err := DecodeAttributes(TypeLock, json.RawMessage(`{"brightness": 50}`))
	if !errors.Is(err, ErrFieldNotApplicable) {
		t.Errorf("DecodeAttributes() error = %v, want ErrFieldNotApplicable", err)
	}

	_, err = DecodeAttributes(TypeLock, json.RawMessage(`{"wattage": 50}`))
	if !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("DecodeAttributes() error = %v, want ErrInvalidDevice", err)
	}

	attrs, err := DecodeAttributes(TypeSpeaker, nil)
	if err != nil || attrs.(*SpeakerAttributes).Volume != 50 {
		t.Errorf("DecodeAttributes(nil) = %+v, %v; want defaults", attrs, err)
	}
}
