// Package relay contains the driver of the serial transmission relay.
package relay

import (
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/pttbox/pttbox/internal/logger"
)

// Channel identifies a relay channel on the board.
type Channel byte

// Relay channels. The board exposes two; the server only drives A.
const (
	ChannelA Channel = 'A'
	ChannelB Channel = 'B'
)

// openPort is a variable so that tests can run without hardware.
var openPort = func(name string, baudRate int) (io.WriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baudRate})
}

// Driver energizes and de-energizes the transmission relay through a
// serial port. When disabled, or after a port error, every operation
// is a no-op.
type Driver struct {
	Enabled  bool
	PortName string
	BaudRate int
	Parent   logger.Writer

	mutex sync.Mutex
	port  io.WriteCloser
}

// Initialize initializes a Driver. A port that cannot be opened leaves
// the driver in disabled mode instead of returning an error.
func (d *Driver) Initialize() {
	if !d.Enabled {
		return
	}

	port, err := openPort(d.PortName, d.BaudRate)
	if err != nil {
		d.Log(logger.Warn, "cannot open %s: %v, relay disabled", d.PortName, err)
		return
	}

	d.Log(logger.Info, "opened %s (baud rate %d)", d.PortName, d.BaudRate)
	d.port = port
}

// Close closes the Driver, de-energizing the relay first.
func (d *Driver) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.port == nil {
		return
	}

	d.write(ChannelA, false)
	d.port.Close()
	d.port = nil
}

// Log implements logger.Writer.
func (d *Driver) Log(level logger.Level, format string, args ...interface{}) {
	d.Parent.Log(level, "[relay] "+format, args...)
}

// TurnOn energizes channel A.
func (d *Driver) TurnOn() {
	d.Set(ChannelA, true)
}

// TurnOff de-energizes channel A.
func (d *Driver) TurnOff() {
	d.Set(ChannelA, false)
}

// Set drives a single channel.
func (d *Driver) Set(channel Channel, on bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.port == nil {
		return
	}

	if !d.write(channel, on) {
		// port vanished; disable for the remainder of the run
		d.port.Close()
		d.port = nil
	}
}

func (d *Driver) write(channel Channel, on bool) bool {
	token := []byte{byte(channel), '0'}
	if on {
		token[1] = '1'
	}

	_, err := d.port.Write(token)
	if err != nil {
		d.Log(logger.Error, "write failed: %v, relay disabled", err)
		return false
	}

	d.Log(logger.Debug, "sent %s", token)
	return true
}
