// Package controller talks to the hardware controller over a serial link:
// a long-lived reader decodes telemetry and acknowledgements, and a
// command bridge correlates written commands with their acks.
package controller

import (
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// Port is an open serial device. Read returns 0, nil when the read
// timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the controller device.
type Opener interface {
	Exists(dev string) bool
	Open(dev string, baud int) (Port, error)
}

// SerialOpener opens real serial devices.
type SerialOpener struct {
	ReadTimeout time.Duration
}

// Exists reports whether the device node is present.
func (SerialOpener) Exists(dev string) bool {
	_, err := os.Stat(dev)
	return err == nil
}

// Open opens dev at baud with the configured read timeout (default 1s).
func (o SerialOpener) Open(dev string, baud int) (Port, error) {
	p, err := serial.Open(dev, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}
