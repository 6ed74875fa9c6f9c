package sutter

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MP-285 protocol primer
//
// commands are [opcode] [payload] [CR]; the opcode is a single ASCII letter
// and the payload is binary, little endian throughout.  responses are a
// protocol-fixed number of payload bytes followed by a CR, which carries no
// information and is read and discarded.  the reset command is the one
// exception: the controller does not acknowledge it at all.
//
//	'c'  query position   -> 12 bytes, three int32 step counts (x,y,z)
//	'm'  move absolute    <- 12 bytes, three int32 step counts; ack only
//	'V'  set velocity     <- 2 bytes, packed velocity field; ack only
//	'n'  update VFD panel -> ack only
//	'o'  set origin       -> ack only
//	'r'  reset            -> nothing
//	's'  query status     -> 32 bytes, fixed status block
//
// see the Sutter reference manual, p.23 ff.
const (
	cmdGetPosition = 'c'
	cmdMove        = 'm'
	cmdSetVelocity = 'V'
	cmdUpdatePanel = 'n'
	cmdSetOrigin   = 'o'
	cmdReset       = 'r'
	cmdGetStatus   = 's'

	terminator = '\r'

	positionLen = 12
	velocityLen = 2
	statusLen   = 32

	// offsets into the status block; everything else in it is reserved
	statusStepMultOffset = 24
	statusVelocityOffset = 28

	// scaleFactorBit flags 50 microsteps/step resolution in the 16-bit
	// velocity field; the low 15 bits are the magnitude
	scaleFactorBit = 1 << 15

	// maxVelocity is the largest magnitude the 15-bit field can carry
	maxVelocity = 32767
)

var dataOrder = binary.LittleEndian

// Position is an absolute stage position in micrometers.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) String() string {
	return fmt.Sprintf("X: %g um, Y: %g um, Z: %g um", p.X, p.Y, p.Z)
}

// Calibration holds the quantities reported by the controller that the rest
// of the driver depends on.  It is refreshed only by an explicit status
// query, never inferred.
type Calibration struct {
	// StepMult is the step multiplier, microsteps per micrometer of travel
	StepMult float64 `json:"stepMult"`

	// Velocity is the current move velocity in steps/sec
	Velocity int `json:"velocity"`

	// ScaleFactor is the microstepping resolution, 10 or 50 microsteps/step
	ScaleFactor int `json:"scaleFactor"`
}

// RangeError is generated when a value cannot be represented on the wire.
// It is raised before any I/O occurs.
type RangeError struct {
	What  string
	Value float64
}

func (e RangeError) Error() string {
	return fmt.Sprintf("%s %g does not fit the MP-285 wire format", e.What, e.Value)
}

// MalformedResponseError is generated when a response frame's length does not
// match the protocol-fixed size for the command issued.  The link state is
// suspect afterwards; no partial interpretation is attempted.
type MalformedResponseError struct {
	Cmd  byte
	Want int
	Got  int
}

func (e MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response to command %q: expected %d bytes, got %d", e.Cmd, e.Want, e.Got)
}

// MoveTimeoutError is generated when a move is not acknowledged within the
// link timeout.  The stage position is unknown to the driver afterwards.
type MoveTimeoutError struct {
	Timeout time.Duration
}

func (e MoveTimeoutError) Error() string {
	return fmt.Sprintf("MP-285 did not finish moving before timeout (%v); stage position unknown", e.Timeout)
}

// frame assembles a command frame from an opcode and payload
func frame(op byte, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+2)
	buf = append(buf, op)
	buf = append(buf, payload...)
	return append(buf, terminator)
}

// encodeMove converts a position in micrometers to the 12-byte payload of a
// move command.  Micrometers are scaled by the step multiplier and truncated
// toward zero; a step count that overflows an int32 is a RangeError.
func encodeMove(pos Position, stepMult float64) ([]byte, error) {
	axes := [3]float64{pos.X, pos.Y, pos.Z}
	buf := make([]byte, positionLen)
	for i, um := range axes {
		steps := math.Trunc(um * stepMult)
		// NaN slips past both bound comparisons and must be caught on
		// its own; the infinities are caught by the bounds
		if math.IsNaN(steps) || steps > math.MaxInt32 || steps < math.MinInt32 {
			return nil, RangeError{What: "step count", Value: steps}
		}
		dataOrder.PutUint32(buf[4*i:], uint32(int32(steps)))
	}
	return buf, nil
}

// decodePosition converts the 12-byte payload of a position query to
// micrometers using the step multiplier in force.
func decodePosition(buf []byte, stepMult float64) (Position, error) {
	if len(buf) != positionLen {
		return Position{}, MalformedResponseError{Cmd: cmdGetPosition, Want: positionLen, Got: len(buf)}
	}
	var axes [3]float64
	for i := range axes {
		steps := int32(dataOrder.Uint32(buf[4*i:]))
		axes[i] = float64(steps) / stepMult
	}
	return Position{X: axes[0], Y: axes[1], Z: axes[2]}, nil
}

// encodeVelocity packs a velocity magnitude (steps/sec) and microstepping
// scale factor into the 2-byte payload of a set velocity command.  The scale
// factor rides in bit 15 of the field, on top of the magnitude; it must stay
// a masking operation to remain wire compatible.
func encodeVelocity(vel, scaleFactor int) ([]byte, error) {
	if vel < 0 || vel > maxVelocity {
		return nil, RangeError{What: "velocity", Value: float64(vel)}
	}
	if scaleFactor != 10 && scaleFactor != 50 {
		return nil, RangeError{What: "scale factor", Value: float64(scaleFactor)}
	}
	field := uint16(vel)
	if scaleFactor == 50 {
		field |= scaleFactorBit
	}
	buf := make([]byte, velocityLen)
	dataOrder.PutUint16(buf, field)
	return buf, nil
}

// decodeStatus extracts the calibration quantities from the 32-byte status
// block.  Only the step multiplier and the velocity field are interpreted;
// the remaining offsets are reserved.
func decodeStatus(buf []byte) (Calibration, error) {
	if len(buf) != statusLen {
		return Calibration{}, MalformedResponseError{Cmd: cmdGetStatus, Want: statusLen, Got: len(buf)}
	}
	stepMult := float64(dataOrder.Uint16(buf[statusStepMultOffset:]))
	// a zero step multiplier would make every unit conversion divide by
	// zero; no real controller reports one, so the block is corrupt
	if stepMult == 0 {
		return Calibration{}, fmt.Errorf("status block reports a step multiplier of zero; the block is corrupt")
	}
	field := dataOrder.Uint16(buf[statusVelocityOffset:])
	scale := 10
	if field&scaleFactorBit != 0 {
		scale = 50
	}
	return Calibration{
		StepMult:    stepMult,
		Velocity:    int(field &^ scaleFactorBit),
		ScaleFactor: scale}, nil
}
