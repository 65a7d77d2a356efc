package st3215

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// NormMode selects how raw servo positions map to user-facing values.
type NormMode int

const (
	NormRaw      NormMode = 0 // Raw counts, 0-4095
	NormPercent  NormMode = 1 // 0 to 100 across the calibrated range
	NormCentered NormMode = 2 // -100 to 100, zero at range center
	NormDegrees  NormMode = 3 // -180 to 180 degrees, zero at range center
)

func (m NormMode) String() string {
	switch m {
	case NormRaw:
		return "raw"
	case NormPercent:
		return "percent"
	case NormCentered:
		return "centered"
	case NormDegrees:
		return "degrees"
	default:
		return fmt.Sprintf("norm_mode(%d)", int(m))
	}
}

// Calibration describes one servo's usable range and how its positions
// normalize. The JSON field names match the flat calibration file format
// used by robot arm tooling, keyed by motor name with integer mode values.
type Calibration struct {
	ID           int      `json:"id"`
	DriveMode    int      `json:"drive_mode"`    // 0 normal, 1 inverted
	HomingOffset int      `json:"homing_offset"` // Applied in servo firmware
	RangeMin     int      `json:"range_min"`
	RangeMax     int      `json:"range_max"`
	NormMode     NormMode `json:"norm_mode"`
}

// DefaultCalibration covers the full mechanical range with degree output.
func DefaultCalibration(id int) *Calibration {
	return &Calibration{
		ID:       id,
		RangeMin: 0,
		RangeMax: 4095,
		NormMode: NormDegrees,
	}
}

// UnmarshalJSON defaults the normalization mode to degrees when the field
// is absent, while still allowing an explicit raw mode (value 0).
func (c *Calibration) UnmarshalJSON(data []byte) error {
	type plain Calibration
	aux := struct {
		NormMode *NormMode `json:"norm_mode"`
		*plain
	}{plain: (*plain)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.NormMode == nil {
		c.NormMode = NormDegrees
	} else {
		c.NormMode = *aux.NormMode
	}
	return nil
}

func (c *Calibration) Validate() error {
	if c.ID < 0 || c.ID > MaxServoID {
		return fmt.Errorf("%w: %d", ErrInvalidID, c.ID)
	}
	if c.RangeMin >= c.RangeMax {
		return fmt.Errorf("invalid range: min %d must be below max %d", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < 0 || c.RangeMax > 4095 {
		return fmt.Errorf("range %d-%d outside servo limits 0-4095", c.RangeMin, c.RangeMax)
	}
	if c.NormMode < NormRaw || c.NormMode > NormDegrees {
		return fmt.Errorf("unknown normalization mode %d", c.NormMode)
	}
	return nil
}

func (c *Calibration) String() string {
	s := fmt.Sprintf("id %d range %d-%d %s offset %d", c.ID, c.RangeMin, c.RangeMax, c.NormMode, c.HomingOffset)
	if c.DriveMode != 0 {
		s += " inverted"
	}
	return s
}

func (c *Calibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax) / 2
}

func (c *Calibration) halfRange() float64 {
	return float64(c.RangeMax-c.RangeMin) / 2
}

// flip mirrors a normalized value for inverted drive mode. Flipping is its
// own inverse, so Normalize and Denormalize share it.
func (c *Calibration) flip(value float64) float64 {
	switch c.NormMode {
	case NormRaw:
		return 2*c.center() - value
	case NormPercent:
		return 100 - value
	default:
		return -value
	}
}

// Normalize converts a raw position to the calibrated output scale. The
// servo applies the homing offset in firmware, so present_position readings
// already sit in calibrated range coordinates.
func (c *Calibration) Normalize(raw int) (float64, error) {
	if c.RangeMax == c.RangeMin {
		return 0, fmt.Errorf("invalid calibration: empty range at %d", c.RangeMin)
	}

	var value float64
	switch c.NormMode {
	case NormRaw:
		value = float64(raw)
	case NormPercent:
		value = float64(raw-c.RangeMin) / float64(c.RangeMax-c.RangeMin) * 100
		value = math.Max(0, math.Min(100, value))
	case NormCentered:
		value = (float64(raw) - c.center()) / c.halfRange() * 100
		value = math.Max(-100, math.Min(100, value))
	case NormDegrees:
		value = (float64(raw) - c.center()) / c.halfRange() * 180
		value = math.Max(-180, math.Min(180, value))
	default:
		return 0, fmt.Errorf("unknown normalization mode %d", c.NormMode)
	}

	if c.DriveMode != 0 {
		value = c.flip(value)
	}
	return value, nil
}

// Denormalize converts a value on the calibrated output scale back to a raw
// goal position, clamped to the calibrated range.
func (c *Calibration) Denormalize(value float64) (int, error) {
	if c.RangeMax == c.RangeMin {
		return 0, fmt.Errorf("invalid calibration: empty range at %d", c.RangeMin)
	}

	if c.DriveMode != 0 {
		value = c.flip(value)
	}

	var raw float64
	switch c.NormMode {
	case NormRaw:
		raw = value
	case NormPercent:
		clamped := math.Max(0, math.Min(100, value))
		raw = float64(c.RangeMin) + clamped/100*float64(c.RangeMax-c.RangeMin)
	case NormCentered:
		clamped := math.Max(-100, math.Min(100, value))
		raw = c.center() + clamped/100*c.halfRange()
	case NormDegrees:
		clamped := math.Max(-180, math.Min(180, value))
		raw = c.center() + clamped/180*c.halfRange()
	default:
		return 0, fmt.Errorf("unknown normalization mode %d", c.NormMode)
	}

	result := int(math.Round(raw))
	if result < c.RangeMin {
		result = c.RangeMin
	}
	if result > c.RangeMax {
		result = c.RangeMax
	}
	return result, nil
}

// Apply writes the homing offset to the servo. The offset register uses
// sign-magnitude encoding with the sign in bit 11.
func (c *Calibration) Apply(ctx context.Context, servo *Servo) error {
	encoded := encodeSignMagnitude(c.HomingOffset, RegPositionOffset.SignBit)
	return servo.WriteRegister(ctx, "position_offset", EncodeWord(uint16(encoded)))
}

// LoadCalibrations reads a motor-name-keyed JSON calibration file and
// returns the calibrations keyed by servo ID.
func LoadCalibrations(path string) (map[int]*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	var byName map[string]*Calibration
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("parse calibration file: %w", err)
	}

	byID := make(map[int]*Calibration, len(byName))
	for name, cal := range byName {
		if err := cal.Validate(); err != nil {
			return nil, fmt.Errorf("calibration %q: %w", name, err)
		}
		if _, dup := byID[cal.ID]; dup {
			return nil, fmt.Errorf("calibration %q: duplicate servo ID %d", name, cal.ID)
		}
		byID[cal.ID] = cal
	}
	return byID, nil
}

// SaveCalibrations writes calibrations to a motor-name-keyed JSON file.
// Servos without an entry in names get a generated servo_<id> key.
func SaveCalibrations(path string, calibrations map[int]*Calibration, names map[int]string) error {
	byName := make(map[string]*Calibration, len(calibrations))
	for id, cal := range calibrations {
		name, ok := names[id]
		if !ok {
			name = fmt.Sprintf("servo_%d", id)
		}
		byName[name] = cal
	}

	data, err := json.MarshalIndent(byName, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal calibrations: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write calibration file: %w", err)
	}
	return nil
}
