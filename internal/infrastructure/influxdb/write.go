package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/homesync-core/internal/device"
)

// Measurement names.
const (
	MeasurementState  = "device_state"
	MeasurementEnergy = "energy"
)

// Observe records an applied state change. It satisfies command.Observer.
// Results that changed nothing are skipped.
func (c *Client) Observe(_ context.Context, res device.Result) {
	if !c.IsConnected() || !res.Changed {
		return
	}
	for _, p := range Points(res) {
		c.writer.WritePoint(p)
	}
}

// Points converts an applied result into InfluxDB points, timestamped with
// the device's LastUpdated.
func Points(res device.Result) []*write.Point {
	fields := deltaFields(res.Delta)
	if len(fields) == 0 {
		return nil
	}

	dev := res.Device
	at := dev.LastUpdated
	if at.IsZero() {
		at = time.Now()
	}

	points := []*write.Point{write.NewPoint(
		MeasurementState,
		map[string]string{
			"device_id": dev.ID,
			"type":      string(dev.Type),
			"user_id":   dev.UserID,
		},
		fields,
		at,
	)}

	if res.Delta.EnergyUsage != nil {
		points = append(points, write.NewPoint(
			MeasurementEnergy,
			map[string]string{"device_id": dev.ID},
			map[string]any{"power_watts": *res.Delta.EnergyUsage},
			at,
		))
	}
	return points
}

// deltaFields maps each present field to an InfluxDB field value, keyed by
// its JSON name.
func deltaFields(d device.Delta) map[string]any {
	fields := make(map[string]any)
	set := func(f device.Field, v any) { fields[string(f)] = v }

	if d.Status != nil {
		set(device.FieldStatus, string(*d.Status))
	}
	if d.Brightness != nil {
		set(device.FieldBrightness, int64(*d.Brightness))
	}
	if d.Color != nil {
		set(device.FieldColor, d.Color.String())
	}
	if d.TargetTemperature != nil {
		set(device.FieldTargetTemperature, *d.TargetTemperature)
	}
	if d.CurrentTemperature != nil {
		set(device.FieldCurrentTemperature, *d.CurrentTemperature)
	}
	if d.Locked != nil {
		set(device.FieldLocked, *d.Locked)
	}
	if d.Volume != nil {
		set(device.FieldVolume, int64(*d.Volume))
	}
	if d.BatteryLevel != nil {
		set(device.FieldBatteryLevel, int64(*d.BatteryLevel))
	}
	if d.EnergyUsage != nil {
		set(device.FieldEnergyUsage, *d.EnergyUsage)
	}
	if d.Recording != nil {
		set(device.FieldRecording, *d.Recording)
	}
	if d.MotionDetected != nil {
		set(device.FieldMotionDetected, *d.MotionDetected)
	}
	if d.LeakDetected != nil {
		set(device.FieldLeakDetected, *d.LeakDetected)
	}
	return fields
}
