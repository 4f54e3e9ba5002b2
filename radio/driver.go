// Package radio drives a RAK-style LoRa module in point-to-point mode over
// its AT command interface.
//
// The module is half-duplex: it idles in the receiver role, and every
// transmission switches it to the sender role and back.
package radio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	recvPrefix = "at+recv="
	sendPrefix = "at+send=lorap2p:"

	// maxLineLen bounds a partial inbound line. Longer lines are discarded.
	maxLineLen = 1024

	roleReceiver = 1
	roleSender   = 2
)

// Commands that may print informational lines before their acknowledgement.
var chattyCommands = []string{
	"at+set_config=device:restart",
	"at+set_config=lora:work_mode:",
}

// Port is the byte stream to the module. Incoming delivers bytes in
// arrival order and is closed when the underlying device goes away.
type Port interface {
	io.Writer
	Incoming() <-chan byte
}

// Stats counts link activity since the driver was created.
type Stats struct {
	Sent         uint64
	SendFailures uint64
	Received     uint64
	Malformed    uint64
	Dropped      uint64
}

// Link is the last reported signal quality of a received frame.
type Link struct {
	RSSI int
	SNR  int
}

// Driver owns the module. It is not safe for concurrent use; one goroutine
// issues every command and poll.
type Driver struct {
	port   Port
	cfg    Config
	logger *slog.Logger

	line    []byte
	discard bool
	pending []string

	stats Stats
	link  Link

	sleep func(time.Duration)
}

// NewDriver returns a driver for the module behind port.
func NewDriver(port Port, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		port:   port,
		cfg:    cfg,
		logger: logger.With("component", "radio"),
		line:   make([]byte, 0, 256),
		sleep:  time.Sleep,
	}
}

// Stats returns the activity counters.
func (d *Driver) Stats() Stats { return d.stats }

// LastLink returns the signal quality of the most recent received frame.
func (d *Driver) LastLink() Link { return d.link }

// Initialize brings the module up in P2P receiver role. The first failing
// step aborts the sequence.
func (d *Driver) Initialize() error {
	steps := []struct {
		name    string
		cmd     string
		expect  string
		timeout time.Duration
	}{
		{"query version", "at+version", "OK V", d.cfg.CommandTimeout},
		{"select p2p work mode", "at+set_config=lora:work_mode:1", "Current work_mode:P2P", d.cfg.ModeTimeout},
		{"configure link", d.cfg.linkCommand(), "OK", d.cfg.CommandTimeout},
		{"enter receiver role", transferCommand(roleReceiver), "OK", d.cfg.TransferTimeout},
	}
	for _, s := range steps {
		if err := d.exchange(s.cmd, s.expect, s.timeout); err != nil {
			return fmt.Errorf("radio init: %s: %w", s.name, err)
		}
		d.pause(d.cfg.BootSettle)
	}
	d.logger.Info("radio ready", "frequency_hz", d.cfg.FrequencyHz, "sf", d.cfg.SpreadingFactor)
	return nil
}

// SendFrame transmits payload. The module is returned to the receiver role
// whatever the outcome of the transmission.
func (d *Driver) SendFrame(payload []byte) error {
	if n := 2 * len(payload); n > d.cfg.MaxHexLen {
		d.stats.SendFailures++
		return fmt.Errorf("%w: %d hex characters, limit %d", ErrPayloadTooLarge, n, d.cfg.MaxHexLen)
	}
	encoded := EncodeHex(payload)

	if err := d.exchange(transferCommand(roleSender), "OK", d.cfg.TransferTimeout); err != nil {
		d.restoreReceiver()
		d.stats.SendFailures++
		return fmt.Errorf("enter sender role: %w", err)
	}
	d.pause(d.cfg.Settle)

	err := d.exchange(sendPrefix+encoded, "OK", d.cfg.SendTimeout)

	d.pause(d.cfg.Settle)
	d.restoreReceiver()

	if err != nil {
		d.stats.SendFailures++
		return fmt.Errorf("send frame: %w", err)
	}
	d.stats.Sent++
	d.logger.Debug("frame sent", "bytes", len(payload))
	return nil
}

func (d *Driver) restoreReceiver() {
	if err := d.exchange(transferCommand(roleReceiver), "OK", d.cfg.TransferTimeout); err != nil {
		d.logger.Warn("could not restore receiver role", "error", err)
	}
}

// PollIncoming drains whatever bytes have arrived without blocking and
// returns the payload of the last complete receive notification, or nil.
// Earlier notifications completed in the same call are logged and dropped.
// Odd-length hex data yields ErrOddHexLength.
func (d *Driver) PollIncoming() ([]byte, error) {
	var (
		payload []byte
		result  error
		got     bool
	)
	handle := func(text string) {
		p, ok, err := d.classify(text)
		if !ok {
			return
		}
		if got {
			d.stats.Dropped++
			d.logger.Warn("dropping earlier frame, a newer one arrived in the same poll")
		}
		payload, result, got = p, err, true
	}

	for _, text := range d.pending {
		handle(text)
	}
	d.pending = d.pending[:0]

	in := d.port.Incoming()
drain:
	for {
		select {
		case b, ok := <-in:
			if !ok {
				break drain
			}
			if text, complete := d.feed(b); complete {
				handle(strings.TrimRight(text, " \t\r"))
			}
		default:
			break drain
		}
	}
	return payload, result
}

// feed appends b to the owned line buffer. On a terminator it returns the
// completed line and clears the buffer.
func (d *Driver) feed(b byte) (string, bool) {
	if b == '\n' {
		text := string(d.line)
		d.line = d.line[:0]
		if d.discard {
			d.discard = false
			return "", false
		}
		return text, true
	}
	if d.discard {
		return "", false
	}
	if len(d.line) >= maxLineLen {
		d.stats.Malformed++
		d.logger.Warn("discarding over-long inbound line", "limit", maxLineLen)
		d.line = d.line[:0]
		d.discard = true
		return "", false
	}
	d.line = append(d.line, b)
	return "", false
}

// classify reports whether text carries a frame and, if so, its payload.
func (d *Driver) classify(text string) ([]byte, bool, error) {
	switch {
	case text == "", text == "OK":
		return nil, false, nil
	case strings.HasPrefix(text, recvPrefix):
	default:
		d.logger.Debug("radio diagnostic", "line", text)
		return nil, false, nil
	}

	link, data, err := parseRecv(text)
	if err != nil {
		d.stats.Malformed++
		d.logger.Warn("malformed receive notification", "line", text, "error", err)
		return nil, false, nil
	}
	if data == "" {
		d.logger.Warn("receive notification without data", "line", text)
		return nil, false, nil
	}
	payload, err := DecodeHex(data)
	switch {
	case errors.Is(err, ErrOddHexLength):
		d.stats.Malformed++
		d.logger.Warn("receive notification with odd-length data", "chars", len(data))
		return nil, true, ErrOddHexLength
	case err != nil:
		d.stats.Malformed++
		d.logger.Warn("receive notification with invalid hex", "error", err)
		return nil, false, nil
	}
	d.stats.Received++
	d.link = link
	d.logger.Debug("frame received", "bytes", len(payload), "rssi", link.RSSI, "snr", link.SNR)
	return payload, true, nil
}

// parseRecv splits at+recv=<rssi>,<snr>,<len>:<hex>. The four delimiters
// must appear in that order.
func parseRecv(line string) (Link, string, error) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return Link{}, "", fmt.Errorf("%w: no '='", ErrFraming)
	}
	c1 := indexFrom(line, ',', eq+1)
	if c1 < 0 {
		return Link{}, "", fmt.Errorf("%w: no ',' after rssi", ErrFraming)
	}
	c2 := indexFrom(line, ',', c1+1)
	if c2 < 0 {
		return Link{}, "", fmt.Errorf("%w: no ',' after snr", ErrFraming)
	}
	colon := indexFrom(line, ':', c2+1)
	if colon < 0 {
		return Link{}, "", fmt.Errorf("%w: no ':' after length", ErrFraming)
	}
	var link Link
	link.RSSI, _ = strconv.Atoi(line[eq+1 : c1])
	link.SNR, _ = strconv.Atoi(line[c1+1 : c2])
	return link, line[colon+1:], nil
}

func indexFrom(s string, c byte, from int) int {
	i := strings.IndexByte(s[from:], c)
	if i < 0 {
		return -1
	}
	return from + i
}

// exchange writes cmd and waits for a line starting with expect. Complete
// lines already waiting are answers to earlier commands and never count as
// the acknowledgement.
func (d *Driver) exchange(cmd, expect string, timeout time.Duration) error {
	d.discardStale()
	d.logger.Debug("radio command", "cmd", abbreviate(cmd))
	if _, err := io.WriteString(d.port, cmd+"\r\n"); err != nil {
		return fmt.Errorf("write %s: %w", abbreviate(cmd), err)
	}

	chatty := isChatty(cmd)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	in := d.port.Incoming()
	for {
		select {
		case b, ok := <-in:
			if !ok {
				return ErrPortClosed
			}
			raw, complete := d.feed(b)
			if !complete {
				continue
			}
			text := strings.TrimSpace(raw)
			switch {
			case text == "":
			case strings.HasPrefix(text, expect):
				return nil
			case strings.HasPrefix(text, recvPrefix):
				d.pending = append(d.pending, text)
			case strings.HasPrefix(text, "ERROR"):
				return fmt.Errorf("%w: %s answered %q", ErrUnexpectedResponse, abbreviate(cmd), text)
			case chatty:
				d.logger.Debug("radio info", "line", text)
			default:
				return fmt.Errorf("%w: %s answered %q", ErrUnexpectedResponse, abbreviate(cmd), text)
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s after %s", ErrTimeout, abbreviate(cmd), timeout)
		}
	}
}

// discardStale consumes the bytes that have already arrived. Receive
// notifications are kept for the next poll; other complete lines are
// dropped. A trailing partial line stays in the buffer.
func (d *Driver) discardStale() {
	in := d.port.Incoming()
	for {
		select {
		case b, ok := <-in:
			if !ok {
				return
			}
			raw, complete := d.feed(b)
			if !complete {
				continue
			}
			switch text := strings.TrimSpace(raw); {
			case text == "":
			case strings.HasPrefix(text, recvPrefix):
				d.pending = append(d.pending, text)
			default:
				d.logger.Debug("discarding stale radio line", "line", text)
			}
		default:
			return
		}
	}
}

func (d *Driver) pause(t time.Duration) {
	if t > 0 {
		d.sleep(t)
	}
}

func transferCommand(role int) string {
	return "at+set_config=lorap2p:transfer_mode:" + strconv.Itoa(role)
}

func isChatty(cmd string) bool {
	for _, prefix := range chattyCommands {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

// abbreviate keeps hex payloads out of logs and errors.
func abbreviate(cmd string) string {
	if strings.HasPrefix(cmd, sendPrefix) {
		return fmt.Sprintf("%s<%d chars>", sendPrefix, len(cmd)-len(sendPrefix))
	}
	return cmd
}
