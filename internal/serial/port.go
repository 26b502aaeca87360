package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// DefaultBaud is the bridge's factory UART speed.
const DefaultBaud = 115200

// Open opens the bridge device. A zero baud selects DefaultBaud; the read
// timeout bounds each Read so the reader can observe shutdown.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout, Size: 8, StopBits: serial.Stop1, Parity: serial.ParityNone}
	return serial.OpenPort(cfg)
}
