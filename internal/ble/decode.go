package ble

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// RAPT Pill telemetry rides in the manufacturer-specific data of its BLE
// advertisements: company ID 0x4152 ("RA"), ASCII prefix "PT", 23 bytes.
// Byte 2 carries the payload format version. All multi-byte fields are
// big-endian.
const (
	CompanyID  = 0x4152
	payloadLen = 23

	kelvinOffset = 273.15
)

// The pill interleaves a device-identification beacon with telemetry; it
// shares the "PT" prefix but carries no metrics.
var deviceInfoPayload = []byte("PTdPillG1")

// ErrUnrecognizedFormat reports a payload that is not RAPT Pill telemetry.
// Decode never partially interprets such payloads.
var ErrUnrecognizedFormat = errors.New("unrecognized advertisement format")

// Reading is one decoded telemetry sample. Temperature is canonically
// Celsius; unit conversion for display or upload happens at that boundary,
// not here.
type Reading struct {
	Version      int
	Gravity      float64 // specific gravity, e.g. 1.0420
	TemperatureC float64
	Battery      float64 // percent
	X, Y, Z      float64 // accelerometer

	// Gravity velocity is only broadcast by v2 firmware, and only once the
	// pill has enough samples to compute it.
	GravityVelocity    float64
	HasGravityVelocity bool

	SeenAt time.Time
}

// Fahrenheit returns the temperature converted for display/upload.
func (r Reading) Fahrenheit() float64 {
	return r.TemperatureC*9/5 + 32
}

// Decode parses a RAPT Pill manufacturer-data payload observed at seenAt.
// It is pure: same bytes, same result, no side effects.
//
// v1 layout (from byte 2):  version u8, mac [6]byte, temperature u16,
// gravity f32, x/y/z i16, battery i16.
// v2 layout (from byte 4):  hasGravityVel u8, gravityVel f32,
// temperature u16, gravity f32, x/y/z i16, battery u16.
//
// Scale factors fixed by the firmware: temperature is Kelvin*128, gravity is
// SG*1000, accelerometer axes are *16, battery is percent*256.
func Decode(data []byte, seenAt time.Time) (*Reading, error) {
	if bytes.Equal(data, deviceInfoPayload) {
		return nil, fmt.Errorf("%w: device identification beacon", ErrUnrecognizedFormat)
	}
	if len(data) != payloadLen {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrUnrecognizedFormat, payloadLen, len(data))
	}
	if data[0] != 'P' || data[1] != 'T' {
		return nil, fmt.Errorf("%w: bad prefix %02X %02X", ErrUnrecognizedFormat, data[0], data[1])
	}

	r := &Reading{SeenAt: seenAt}
	switch version := data[2]; version {
	case 1:
		r.Version = 1
		r.TemperatureC = kelvinToCelsius(binary.BigEndian.Uint16(data[9:11]))
		r.Gravity = scaleGravity(binary.BigEndian.Uint32(data[11:15]))
		r.X = float64(int16(binary.BigEndian.Uint16(data[15:17]))) / 16
		r.Y = float64(int16(binary.BigEndian.Uint16(data[17:19]))) / 16
		r.Z = float64(int16(binary.BigEndian.Uint16(data[19:21]))) / 16
		r.Battery = math.Round(float64(int16(binary.BigEndian.Uint16(data[21:23]))) / 256)
	case 2:
		r.Version = 2
		r.HasGravityVelocity = data[4] != 0
		if r.HasGravityVelocity {
			r.GravityVelocity = float64(math.Float32frombits(binary.BigEndian.Uint32(data[5:9])))
		}
		r.TemperatureC = kelvinToCelsius(binary.BigEndian.Uint16(data[9:11]))
		r.Gravity = scaleGravity(binary.BigEndian.Uint32(data[11:15]))
		r.X = float64(int16(binary.BigEndian.Uint16(data[15:17]))) / 16
		r.Y = float64(int16(binary.BigEndian.Uint16(data[17:19]))) / 16
		r.Z = float64(int16(binary.BigEndian.Uint16(data[19:21]))) / 16
		r.Battery = math.Round(float64(binary.BigEndian.Uint16(data[21:23])) / 256)
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrUnrecognizedFormat, version)
	}
	return r, nil
}

func kelvinToCelsius(raw uint16) float64 {
	return round2(float64(raw)/128 - kelvinOffset)
}

// Gravity is broadcast as an IEEE float holding SG*1000 (e.g. 1042.0).
func scaleGravity(bits uint32) float64 {
	return round4(float64(math.Float32frombits(bits)) / 1000)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
