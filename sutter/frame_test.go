package sutter

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

// statusFixture builds a status block with the given calibration bytes laid
// into the reserved template
func statusFixture(b24, b25, b28, b29 byte) []byte {
	blk := statusTemplate
	blk[24], blk[25] = b24, b25
	blk[28], blk[29] = b28, b29
	return blk[:]
}

func TestStatusDecodeStockUnit(t *testing.T) {
	// the status dump of a stock unit: 25 usteps/um, 200 steps/sec at
	// 10 usteps/step
	cal, err := decodeStatus(statusFixture(25, 0, 200, 0))
	if err != nil {
		t.Fatal(err)
	}
	if cal.StepMult != 25 {
		t.Errorf("expected step multiplier 25, got %g", cal.StepMult)
	}
	if cal.Velocity != 200 {
		t.Errorf("expected velocity 200, got %d", cal.Velocity)
	}
	if cal.ScaleFactor != 10 {
		t.Errorf("expected scale factor 10, got %d", cal.ScaleFactor)
	}
}

func TestStatusDecodeScaleFactorBitMasked(t *testing.T) {
	// bit 7 of the high byte flags 50 usteps/step and must be masked out
	// of the magnitude: 44*256 + 1 = 11265
	cal, err := decodeStatus(statusFixture(25, 0, 1, 0x80|44))
	if err != nil {
		t.Fatal(err)
	}
	if cal.Velocity != 11265 {
		t.Errorf("expected velocity 11265, got %d", cal.Velocity)
	}
	if cal.ScaleFactor != 50 {
		t.Errorf("expected scale factor 50, got %d", cal.ScaleFactor)
	}
}

func TestStatusDecodeRejectsZeroStepMultiplier(t *testing.T) {
	// a zero step multiplier would poison every later unit conversion
	_, err := decodeStatus(statusFixture(0, 0, 200, 0))
	if err == nil {
		t.Fatal("a zero step multiplier should be rejected as corrupt")
	}
}

func TestStatusDecodeRejectsWrongLength(t *testing.T) {
	_, err := decodeStatus(make([]byte, 31))
	if _, ok := err.(MalformedResponseError); !ok {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestVelocityRoundTripsThroughStatus(t *testing.T) {
	// a velocity field built by the encoder must decode to the same
	// magnitude and scale factor from the status block
	for _, scale := range []int{10, 50} {
		for vel := 0; vel <= maxVelocity; vel += 37 {
			buf, err := encodeVelocity(vel, scale)
			if err != nil {
				t.Fatalf("encode(%d, %d): %v", vel, scale, err)
			}
			cal, err := decodeStatus(statusFixture(25, 0, buf[0], buf[1]))
			if err != nil {
				t.Fatal(err)
			}
			if cal.Velocity != vel || cal.ScaleFactor != scale {
				t.Fatalf("(%d, %d) round tripped to (%d, %d)", vel, scale, cal.Velocity, cal.ScaleFactor)
			}
		}
	}
	// the fence posts
	buf, _ := encodeVelocity(maxVelocity, 50)
	if buf[0] != 0xFF || buf[1] != 0xFF {
		t.Errorf("expected 32767 @ 50 to fill the field, got % X", buf)
	}
	buf, _ = encodeVelocity(maxVelocity, 10)
	if buf[1]&0x80 != 0 {
		t.Error("scale factor bit set for 10 usteps/step")
	}
}

func TestVelocityEncodeRejects(t *testing.T) {
	cases := []struct {
		vel, scale int
	}{
		{40000, 10}, // exceeds the 15-bit field
		{-1, 10},
		{200, 20}, // scale factor not in {10, 50}
		{200, 0},
	}
	for _, tc := range cases {
		_, err := encodeVelocity(tc.vel, tc.scale)
		if _, ok := err.(RangeError); !ok {
			t.Errorf("encode(%d, %d): expected RangeError, got %v", tc.vel, tc.scale, err)
		}
	}
}

func TestMoveEncodeKnownBytes(t *testing.T) {
	// 400 um at 25 usteps/um is 10000 steps = 0x2710, little endian
	buf, err := encodeMove(Position{X: 400, Y: 800, Z: 1200}, 25)
	if err != nil {
		t.Fatal(err)
	}
	truth := []byte{
		0x10, 0x27, 0, 0,
		0x20, 0x4E, 0, 0,
		0x30, 0x75, 0, 0}
	if !bytes.Equal(buf, truth) {
		t.Fatalf("expected % X, got % X", truth, buf)
	}
}

func TestMoveEncodeDecodeRoundTrip(t *testing.T) {
	// decode(encode(s/m)) recovers the step counts within one step:
	// um*stepMult can land a hair below the integer it came from, and the
	// encoder truncates toward zero, so the boundary is inclusive
	const stepMult = 25.
	rng := rand.New(rand.NewSource(285))
	for i := 0; i < 1000; i++ {
		steps := [3]int32{rng.Int31(), -rng.Int31(), rng.Int31() / 2}
		pos := Position{
			X: float64(steps[0]) / stepMult,
			Y: float64(steps[1]) / stepMult,
			Z: float64(steps[2]) / stepMult}
		buf, err := encodeMove(pos, stepMult)
		if err != nil {
			t.Fatal(err)
		}
		got, err := decodePosition(buf, stepMult)
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 3; j++ {
			enc := int32(dataOrder.Uint32(buf[4*j:]))
			if d := enc - steps[j]; d > 1 || d < -1 {
				t.Fatalf("axis %d: %d steps encoded as %d", j, steps[j], enc)
			}
		}
		eps := 1.5 / stepMult
		if math.Abs(got.X-pos.X) > eps || math.Abs(got.Y-pos.Y) > eps || math.Abs(got.Z-pos.Z) > eps {
			t.Fatalf("round trip of %v yielded %v", pos, got)
		}
	}
}

func TestMoveEncodeRejectsOverflow(t *testing.T) {
	// 2^31 steps do not fit an int32
	_, err := encodeMove(Position{X: math.MaxInt32 / 25. * 26.}, 25)
	if _, ok := err.(RangeError); !ok {
		t.Fatalf("expected RangeError, got %v", err)
	}
}

func TestMoveEncodeRejectsNonFinite(t *testing.T) {
	// NaN fails neither bound comparison; it must not reach the wire,
	// where it would silently become the most negative step count
	for _, um := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := encodeMove(Position{Y: um}, 25)
		if _, ok := err.(RangeError); !ok {
			t.Errorf("encode of %g um: expected RangeError, got %v", um, err)
		}
	}
}

func TestPositionDecodeNegativeSteps(t *testing.T) {
	buf := make([]byte, positionLen)
	x := int32(-10000)
	dataOrder.PutUint32(buf, uint32(x))
	dataOrder.PutUint32(buf[4:], 20000)
	dataOrder.PutUint32(buf[8:], 30000)
	pos, err := decodePosition(buf, 25)
	if err != nil {
		t.Fatal(err)
	}
	if pos.X != -400 || pos.Y != 800 || pos.Z != 1200 {
		t.Fatalf("expected (-400, 800, 1200), got %v", pos)
	}
}

func TestFrameLayout(t *testing.T) {
	buf := frame(cmdMove, []byte{1, 2, 3})
	truth := []byte{'m', 1, 2, 3, '\r'}
	if !bytes.Equal(buf, truth) {
		t.Fatalf("expected % X, got % X", truth, buf)
	}
	buf = frame(cmdGetStatus, nil)
	if !bytes.Equal(buf, []byte{'s', '\r'}) {
		t.Fatalf("expected a bare opcode and terminator, got % X", buf)
	}
}
