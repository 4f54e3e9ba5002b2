package radio

import (
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

const incomingBuffer = 4096

// SerialPort is a Port on a UART. One goroutine reads the device and
// queues bytes; bytes arriving while the queue is full are dropped.
type SerialPort struct {
	port   serial.Port
	in     chan byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// OpenSerial opens name at baud 8N1 and starts reading it.
func OpenSerial(name string, baud int, logger *slog.Logger) (*SerialPort, error) {
	if logger == nil {
		logger = slog.Default()
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset serial port %s: %w", name, err)
	}

	p := &SerialPort{
		port:   port,
		in:     make(chan byte, incomingBuffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "serial", "port", name),
	}
	go p.read()
	return p, nil
}

func (p *SerialPort) read() {
	defer close(p.in)
	buf := make([]byte, 256)
	for {
		n, err := p.port.Read(buf)
		if err != nil {
			select {
			case <-p.done:
			default:
				p.logger.Error("serial read failed", "error", err)
			}
			return
		}
		for _, b := range buf[:n] {
			select {
			case p.in <- b:
			default:
				p.logger.Warn("serial input queue full, byte dropped")
			}
		}
	}
}

// Write sends b to the device.
func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Incoming returns the queue of received bytes.
func (p *SerialPort) Incoming() <-chan byte { return p.in }

// Close stops the reader and releases the device.
func (p *SerialPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.port.Close()
	})
	return err
}
