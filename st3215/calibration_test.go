package st3215

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Cogni-Robot/init-servo/transports"
)

func TestCalibrationValidate(t *testing.T) {
	tests := []struct {
		name    string
		cal     Calibration
		wantErr bool
	}{
		{"valid", Calibration{ID: 1, RangeMin: 500, RangeMax: 3500, NormMode: NormDegrees}, false},
		{"id too high", Calibration{ID: 255, RangeMin: 500, RangeMax: 3500, NormMode: NormDegrees}, true},
		{"min above max", Calibration{ID: 1, RangeMin: 3500, RangeMax: 500, NormMode: NormDegrees}, true},
		{"negative min", Calibration{ID: 1, RangeMin: -100, RangeMax: 3500, NormMode: NormDegrees}, true},
		{"max beyond servo", Calibration{ID: 1, RangeMin: 500, RangeMax: 5000, NormMode: NormDegrees}, true},
		{"unknown mode", Calibration{ID: 1, RangeMin: 500, RangeMax: 3500, NormMode: 99}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cal.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeDegrees(t *testing.T) {
	cal := &Calibration{ID: 1, RangeMin: 1000, RangeMax: 3000, NormMode: NormDegrees}

	tests := []struct {
		raw  int
		want float64
	}{
		{2000, 0},
		{3000, 180},
		{1000, -180},
		{1500, -90},
		{2500, 90},
	}

	for _, tt := range tests {
		got, err := cal.Normalize(tt.raw)
		if err != nil {
			t.Fatalf("Normalize(%d) failed: %v", tt.raw, err)
		}
		if math.Abs(got-tt.want) > 0.01 {
			t.Errorf("Normalize(%d) = %.2f, want %.2f", tt.raw, got, tt.want)
		}

		back, err := cal.Denormalize(got)
		if err != nil {
			t.Fatalf("Denormalize(%.2f) failed: %v", got, err)
		}
		if back != tt.raw {
			t.Errorf("Denormalize(%.2f) = %d, want %d", got, back, tt.raw)
		}
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	for _, mode := range []NormMode{NormRaw, NormPercent, NormCentered, NormDegrees} {
		t.Run(mode.String(), func(t *testing.T) {
			cal := &Calibration{ID: 1, RangeMin: 500, RangeMax: 3500, NormMode: mode}

			for _, raw := range []int{500, 1000, 2000, 3500} {
				value, err := cal.Normalize(raw)
				if err != nil {
					t.Fatalf("Normalize(%d) failed: %v", raw, err)
				}
				back, err := cal.Denormalize(value)
				if err != nil {
					t.Fatalf("Denormalize(%.2f) failed: %v", value, err)
				}
				if math.Abs(float64(back-raw)) > 2 {
					t.Errorf("round trip drifted: %d -> %.2f -> %d", raw, value, back)
				}
			}
		})
	}
}

func TestNormalizeInverted(t *testing.T) {
	tests := []struct {
		name string
		mode NormMode
		raw  int
		want float64
	}{
		{"percent center", NormPercent, 2000, 50},
		{"percent min", NormPercent, 1000, 100},
		{"percent max", NormPercent, 3000, 0},
		{"centered min", NormCentered, 1000, 100},
		{"centered max", NormCentered, 3000, -100},
		{"degrees center", NormDegrees, 2000, 0},
		{"degrees min", NormDegrees, 1000, 180},
		{"degrees max", NormDegrees, 3000, -180},
		{"degrees quarter", NormDegrees, 1500, 90},
		{"raw center", NormRaw, 1500, 2500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := &Calibration{ID: 1, DriveMode: 1, RangeMin: 1000, RangeMax: 3000, NormMode: tt.mode}

			got, err := cal.Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("Normalize(%d) = %.2f, want %.2f", tt.raw, got, tt.want)
			}

			// Inversion must survive the round trip
			back, err := cal.Denormalize(got)
			if err != nil {
				t.Fatalf("Denormalize failed: %v", err)
			}
			if math.Abs(float64(back-tt.raw)) > 1 {
				t.Errorf("round trip: %d -> %.2f -> %d", tt.raw, got, back)
			}
		})
	}
}

func TestCalibrationFileRoundTrip(t *testing.T) {
	calibrations := map[int]*Calibration{
		1: {ID: 1, HomingOffset: -1470, RangeMin: 758, RangeMax: 3292, NormMode: NormDegrees},
		2: {ID: 2, HomingOffset: -1177, RangeMin: 916, RangeMax: 2988, NormMode: NormRaw},
	}
	names := map[int]string{1: "shoulder_pan", 2: "shoulder_lift"}

	path := filepath.Join(t.TempDir(), "calibrations.json")
	if err := SaveCalibrations(path, calibrations, names); err != nil {
		t.Fatalf("SaveCalibrations failed: %v", err)
	}

	loaded, err := LoadCalibrations(path)
	if err != nil {
		t.Fatalf("LoadCalibrations failed: %v", err)
	}

	if len(loaded) != len(calibrations) {
		t.Fatalf("loaded %d calibrations, want %d", len(loaded), len(calibrations))
	}
	for id, want := range calibrations {
		got, ok := loaded[id]
		if !ok {
			t.Errorf("servo %d missing after reload", id)
			continue
		}
		if *got != *want {
			t.Errorf("servo %d: got %+v, want %+v", id, got, want)
		}
	}
}

func TestCalibrationFileDefaults(t *testing.T) {
	// norm_mode absent defaults to degrees; an explicit 0 stays raw
	content := `{
		"shoulder_pan": {"id": 1, "homing_offset": -1470, "range_min": 758, "range_max": 3292},
		"gripper": {"id": 6, "range_min": 500, "range_max": 3500, "norm_mode": 0}
	}`
	path := filepath.Join(t.TempDir(), "calibrations.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadCalibrations(path)
	if err != nil {
		t.Fatalf("LoadCalibrations failed: %v", err)
	}

	if loaded[1].NormMode != NormDegrees {
		t.Errorf("servo 1 mode: got %s, want degrees", loaded[1].NormMode)
	}
	if loaded[6].NormMode != NormRaw {
		t.Errorf("servo 6 mode: got %s, want raw", loaded[6].NormMode)
	}
}

func TestCalibrationFileDuplicateID(t *testing.T) {
	content := `{
		"left": {"id": 1, "range_min": 0, "range_max": 4095},
		"right": {"id": 1, "range_min": 0, "range_max": 4095}
	}`
	path := filepath.Join(t.TempDir(), "calibrations.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCalibrations(path); err == nil {
		t.Error("expected duplicate ID error")
	}
}

func TestCalibrationApply(t *testing.T) {
	mock := &transports.MockTransport{ReadData: ack(1)}
	bus := newTestBus(t, mock)

	cal := &Calibration{ID: 1, HomingOffset: -1470, RangeMin: 758, RangeMax: 3292, NormMode: NormDegrees}
	servo := NewServo(bus, 1, nil)

	if err := cal.Apply(context.Background(), servo); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if mock.WriteData[5] != RegPositionOffset.Address {
		t.Errorf("wrong address: got %d, want %d", mock.WriteData[5], RegPositionOffset.Address)
	}
	// -1470 in bit-11 sign-magnitude is 0x800|0x5BE = 0x0DBE, little-endian
	if mock.WriteData[6] != 0xBE || mock.WriteData[7] != 0x0D {
		t.Errorf("offset bytes: got [%02X %02X], want [BE 0D]", mock.WriteData[6], mock.WriteData[7])
	}
}

func TestCalibrationString(t *testing.T) {
	cal := &Calibration{ID: 1, RangeMin: 500, RangeMax: 3500, NormMode: NormDegrees, HomingOffset: -1470}
	want := "id 1 range 500-3500 degrees offset -1470"
	if got := cal.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	cal.DriveMode = 1
	if got := cal.String(); got != want+" inverted" {
		t.Errorf("inverted String() = %q", got)
	}
}

func BenchmarkNormalize(b *testing.B) {
	cal := &Calibration{ID: 1, RangeMin: 500, RangeMax: 3500, NormMode: NormDegrees}
	for i := 0; i < b.N; i++ {
		cal.Normalize(2000)
	}
}
