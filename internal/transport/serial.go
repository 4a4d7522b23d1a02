package transport

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialPort abstracts tarm/serial for testability.
type SerialPort interface {
	io.ReadWriteCloser
}

// OpenSerial opens a UART for a KISS link. readTimeout bounds each Read so
// the RX loop can observe shutdown.
func OpenSerial(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
