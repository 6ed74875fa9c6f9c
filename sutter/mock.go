package sutter

import (
	"bytes"
	"io"
	"sync"
)

// statusTemplate is a status block captured from a real MP-285; the reserved
// offsets are served back verbatim and only the step multiplier and velocity
// field are maintained by the simulator.
var statusTemplate = [statusLen]byte{
	64, 0, 2, 4, 7, 0, 99, 0, 99, 0, 20, 0, 136, 19, 1, 120,
	112, 23, 16, 39, 80, 0, 0, 0, 25, 0, 4, 0, 200, 0, 84, 1,
}

// Mock simulates an MP-285 behind its serial protocol.  It implements
// io.ReadWriteCloser, so it can be handed to NewMP285 in place of a real
// link; it is used by the tests and by the server's mock mode.
//
// Reads from an empty response buffer return io.EOF, the same signal
// tarm/serial produces when a read times out.
type Mock struct {
	sync.Mutex
	steps    [3]int32
	velocity uint16 // packed field, bit 15 is the scale factor
	stepMult uint16
	out      bytes.Buffer
	closed   bool
}

// NewMock returns a simulated controller with the calibration of a stock
// unit: 25 microsteps/um, 200 steps/sec at 10 microsteps/step.
func NewMock() *Mock {
	return &Mock{stepMult: 25, velocity: startupVelocity}
}

// Write accepts one command frame and queues the response for Read.
func (k *Mock) Write(p []byte) (int, error) {
	k.Lock()
	defer k.Unlock()
	if k.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 || p[len(p)-1] != terminator {
		// a real controller would hang waiting for the CR; drop it
		return len(p), nil
	}
	op, payload := p[0], p[1:len(p)-1]
	switch op {
	case cmdGetPosition:
		for _, s := range k.steps {
			var quad [4]byte
			dataOrder.PutUint32(quad[:], uint32(s))
			k.out.Write(quad[:])
		}
		k.out.WriteByte(terminator)
	case cmdMove:
		if len(payload) == positionLen {
			for i := range k.steps {
				k.steps[i] = int32(dataOrder.Uint32(payload[4*i:]))
			}
		}
		k.out.WriteByte(terminator)
	case cmdSetVelocity:
		if len(payload) == velocityLen {
			k.velocity = dataOrder.Uint16(payload)
		}
		k.out.WriteByte(terminator)
	case cmdUpdatePanel:
		k.out.WriteByte(terminator)
	case cmdSetOrigin:
		k.steps = [3]int32{}
		k.out.WriteByte(terminator)
	case cmdGetStatus:
		blk := statusTemplate
		dataOrder.PutUint16(blk[statusStepMultOffset:], k.stepMult)
		dataOrder.PutUint16(blk[statusVelocityOffset:], k.velocity)
		k.out.Write(blk[:])
		k.out.WriteByte(terminator)
	case cmdReset:
		// no ack, per the manual
		k.velocity = startupVelocity
	}
	return len(p), nil
}

// Read drains queued response bytes, or reports io.EOF when there are none.
func (k *Mock) Read(p []byte) (int, error) {
	k.Lock()
	defer k.Unlock()
	if k.closed {
		return 0, io.ErrClosedPipe
	}
	if k.out.Len() == 0 {
		return 0, io.EOF
	}
	return k.out.Read(p)
}

// Close marks the simulated link as released.
func (k *Mock) Close() error {
	k.Lock()
	defer k.Unlock()
	k.closed = true
	return nil
}

// SetSteps places the simulated stage at raw step counts, for tests.
func (k *Mock) SetSteps(x, y, z int32) {
	k.Lock()
	defer k.Unlock()
	k.steps = [3]int32{x, y, z}
}
