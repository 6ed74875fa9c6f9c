/*Package sutter provides an interface to Sutter MP-285 micropositioners.

The MP-285 is a three axis motorized micromanipulator controlled over RS-232
with a small binary protocol.  The link is half duplex lock-step: every
operation performs exactly one write followed by exactly one read, and no
command may be issued while a response is outstanding.  An MP285 instance
takes no internal lock; callers issuing commands from multiple goroutines
must serialize access themselves (the HTTP wrapper does this with a
middleware, see NewHTTPWrapper).

A move, once written, cannot be aborted; the only outcomes are
acknowledgement or MoveTimeoutError.  No command is retried by this package.
Retry policy belongs to the caller.
*/
package sutter

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/oplab/sutter/comm"
)

const (
	// DefaultTimeout bounds each blocking read; the manual quotes moves as
	// long as tens of seconds at low velocity
	DefaultTimeout = 30 * time.Second

	// DefaultBaud is the only rate the controller ships configured for
	DefaultBaud = 9600

	// startupVelocity is commanded during the opening handshake and
	// confirmed against the status block
	startupVelocity = 200
)

// ErrClosed is generated when an operation is attempted after Close.
var ErrClosed = errors.New("connection to MP-285 is closed")

// ConnectionError is generated when the link to the controller cannot be
// opened.  It is fatal to construction; no retry is attempted.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("no connection to MP-285 at %s could be established: %v", e.Addr, e.Err)
}

// MP285 represents an MP-285 micropositioner.  It owns its connection
// exclusively for its lifetime and caches the calibration state from the
// most recent status query.
type MP285 struct {
	conn    io.ReadWriteCloser
	timeout time.Duration

	cal      Calibration
	degraded bool
	closed   bool
}

// NewMP285 wraps an open connection to the controller and performs the
// opening handshake: command the startup velocity, refresh the front panel,
// and query status to populate the calibration state.  If the controller
// does not report the commanded velocity back, the instance is flagged
// degraded but still returned; the link is usable, see Degraded.
func NewMP285(conn io.ReadWriteCloser, timeout time.Duration) (*MP285, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &MP285{conn: conn, timeout: timeout}
	if err := m.SetVelocity(startupVelocity, 10); err != nil {
		return nil, err
	}
	if err := m.UpdatePanel(); err != nil {
		return nil, err
	}
	cal, err := m.GetStatus()
	if err != nil {
		return nil, err
	}
	if cal.Velocity != startupVelocity {
		m.degraded = true
	}
	return m, nil
}

// NewSerial opens the serial port at addr (e.g. /dev/ttyS4) and returns a
// new MP285 speaking through it.
func NewSerial(addr string, timeout time.Duration) (*MP285, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := comm.OpenSerial(comm.Config{Addr: addr, Baud: DefaultBaud, Timeout: timeout})
	if err != nil {
		return nil, ConnectionError{Addr: addr, Err: err}
	}
	return connect(conn, timeout)
}

// NewTCP connects to a controller behind a terminal server at addr
// (e.g. 192.168.100.123:2006) and returns a new MP285 speaking through it.
func NewTCP(addr string, timeout time.Duration) (*MP285, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := comm.TCPSetup(addr, timeout)
	if err != nil {
		return nil, ConnectionError{Addr: addr, Err: err}
	}
	return connect(conn, timeout)
}

// connect runs the opening handshake over a transport the constructor just
// opened, releasing the transport if the handshake fails.  A serial port
// left open would stay locked until process exit.
func connect(conn io.ReadWriteCloser, timeout time.Duration) (*MP285, error) {
	m, err := NewMP285(conn, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// Degraded returns true if the controller did not confirm the startup
// velocity during the handshake.  A warning condition, not a fault.
func (m *MP285) Degraded() bool {
	return m.degraded
}

// Calibration returns the cached calibration state from the last status
// query.  Use GetStatus to refresh it.
func (m *MP285) Calibration() Calibration {
	return m.cal
}

// Close releases the connection.  It is idempotent; every operation after
// the first Close fails with ErrClosed without touching the link.
func (m *MP285) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.conn.Close()
}

// writeCmd sends one framed command down the link
func (m *MP285) writeCmd(op byte, payload []byte) error {
	if m.closed {
		return ErrClosed
	}
	_, err := m.conn.Write(frame(op, payload))
	return err
}

// readAck consumes the lone CR that acknowledges payload-less responses
func (m *MP285) readAck(op byte) error {
	buf, err := comm.ReadN(m.conn, 1, m.timeout)
	if err != nil {
		return err
	}
	if len(buf) != 1 {
		return MalformedResponseError{Cmd: op, Want: 1, Got: len(buf)}
	}
	return nil
}

// GetPosition queries the absolute stage position in micrometers.
func (m *MP285) GetPosition() (Position, error) {
	if m.closed {
		return Position{}, ErrClosed
	}
	if err := m.writeCmd(cmdGetPosition, nil); err != nil {
		return Position{}, err
	}
	// 12 data bytes plus the terminator
	buf, err := comm.ReadN(m.conn, positionLen+1, m.timeout)
	if err != nil {
		return Position{}, err
	}
	if len(buf) != positionLen+1 {
		return Position{}, MalformedResponseError{Cmd: cmdGetPosition, Want: positionLen + 1, Got: len(buf)}
	}
	return decodePosition(buf[:positionLen], m.cal.StepMult)
}

// GotoPosition moves all three axes to an absolute position in micrometers
// and blocks until the controller acknowledges the end of the move or the
// link times out.  On success it returns the elapsed wall-clock duration of
// the move.  On timeout the stage position is unknown; re-query it with
// GetPosition before relying on it.
func (m *MP285) GotoPosition(pos Position) (time.Duration, error) {
	if m.closed {
		return 0, ErrClosed
	}
	payload, err := encodeMove(pos, m.cal.StepMult)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := m.writeCmd(cmdMove, payload); err != nil {
		return 0, err
	}
	buf, err := comm.ReadN(m.conn, 1, m.timeout)
	elapsed := time.Since(start)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, MoveTimeoutError{Timeout: m.timeout}
	}
	return elapsed, nil
}

// SetVelocity sets the move velocity in steps/sec with a microstepping scale
// factor of 10 or 50 microsteps/step.  The cached calibration state is not
// touched; if the velocity in effect matters, confirm it with GetStatus.
func (m *MP285) SetVelocity(vel, scaleFactor int) error {
	if m.closed {
		return ErrClosed
	}
	payload, err := encodeVelocity(vel, scaleFactor)
	if err != nil {
		return err
	}
	if err := m.writeCmd(cmdSetVelocity, payload); err != nil {
		return err
	}
	return m.readAck(cmdSetVelocity)
}

// UpdatePanel refreshes the XYZ readout on the controller's VFD front panel.
func (m *MP285) UpdatePanel() error {
	if m.closed {
		return ErrClosed
	}
	if err := m.writeCmd(cmdUpdatePanel, nil); err != nil {
		return err
	}
	return m.readAck(cmdUpdatePanel)
}

// SetOrigin makes the current stage position the new origin (0,0,0).
func (m *MP285) SetOrigin() error {
	if m.closed {
		return ErrClosed
	}
	if err := m.writeCmd(cmdSetOrigin, nil); err != nil {
		return err
	}
	return m.readAck(cmdSetOrigin)
}

// Reset resets the controller.  The MP-285 does not acknowledge this
// command, so nothing is read back.
func (m *MP285) Reset() error {
	if m.closed {
		return ErrClosed
	}
	return m.writeCmd(cmdReset, nil)
}

// GetStatus queries the controller's status block and overwrites the cached
// calibration state with the result.
func (m *MP285) GetStatus() (Calibration, error) {
	if m.closed {
		return Calibration{}, ErrClosed
	}
	if err := m.writeCmd(cmdGetStatus, nil); err != nil {
		return Calibration{}, err
	}
	// 32 data bytes plus the terminator
	buf, err := comm.ReadN(m.conn, statusLen+1, m.timeout)
	if err != nil {
		return Calibration{}, err
	}
	if len(buf) != statusLen+1 {
		return Calibration{}, MalformedResponseError{Cmd: cmdGetStatus, Want: statusLen + 1, Got: len(buf)}
	}
	cal, err := decodeStatus(buf[:statusLen])
	if err != nil {
		return Calibration{}, err
	}
	m.cal = cal
	return cal, nil
}
