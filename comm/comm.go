/*Package comm provides transport helpers for communication with lab hardware.

Devices are reached either over a directly attached RS-232 cable or through
a terminal server (e.g. a digi portserver) which exposes a serial port at a
TCP address.  Both paths yield an io.ReadWriteCloser; the device packages do
not care which one they were handed.

Reads are bounded by the timeout configured on the connection.  A timeout is
not an error at this layer: it is reported as a short read, and the caller
decides what a short response means for its protocol.
*/
package comm

import (
	"io"
	"net"
	"time"

	"github.com/tarm/serial"
)

// Config describes a serial link to a device.  The MP-285 and most other
// RS-232 bench instruments speak 8N1, so only the address, baud rate, and
// read timeout are configurable.
type Config struct {
	// Addr is the filesystem address of the port, e.g. /dev/ttyS4 or COM3
	Addr string

	// Baud is the baud rate, e.g. 9600
	Baud int

	// Timeout bounds each blocking read on the link
	Timeout time.Duration
}

// serialConf materializes the config for tarm/serial with parity, stop bits,
// etc. set.
func (c Config) serialConf() *serial.Config {
	return &serial.Config{
		Name:        c.Addr,
		Baud:        c.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: c.Timeout}
}

// OpenSerial opens the serial port described by c.
func OpenSerial(c Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c.serialConf())
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read,
// and write.  It is used for devices hung off a terminal server.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// deadliner is implemented by net.Conn and anything else whose read timeout
// can be pushed forward
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// ReadN reads exactly n bytes from r, or fewer if the link times out first.
// A short return with a nil error is the timeout signal.
//
// tarm/serial surfaces a read timeout as io.EOF (VTIME expiry on POSIX);
// net.Conn surfaces it as a net.Error with Timeout() true.  Both are folded
// into the short-read convention here.  If r carries a read deadline, it is
// refreshed to now+timeout before reading so that long-lived connections do
// not inherit a stale deadline.
func ReadN(r io.Reader, n int, timeout time.Duration) ([]byte, error) {
	if d, ok := r.(deadliner); ok {
		d.SetReadDeadline(time.Now().Add(timeout))
	}
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := r.Read(buf[total:])
		total += m
		if err != nil {
			if isTimeout(err) {
				return buf[:total], nil
			}
			return buf[:total], err
		}
		if m == 0 {
			return buf[:total], nil
		}
	}
	return buf, nil
}

func isTimeout(err error) bool {
	if err == io.EOF {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
