package robotlink

import "io"

// SerialPorter is the minimal interface needed for a serial port. Real
// ports, the simulated robot and test doubles all satisfy it.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
