package radio

import "errors"

var (
	// ErrTimeout is returned when the module does not answer a command
	// before its deadline.
	ErrTimeout = errors.New("radio: no acknowledgement before deadline")
	// ErrUnexpectedResponse is returned when the module answers a command
	// with an error line or with a line the command does not allow.
	ErrUnexpectedResponse = errors.New("radio: unexpected response")
	// ErrPayloadTooLarge is returned by SendFrame before any I/O when the
	// hex encoding of the payload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("radio: payload exceeds hex length limit")
	// ErrOddHexLength is returned for inbound hex data with an odd number of
	// characters. No partial payload is ever returned with it.
	ErrOddHexLength = errors.New("radio: odd-length hex data")
	// ErrFraming marks an inbound line that does not follow the receive
	// notification layout.
	ErrFraming = errors.New("radio: malformed receive notification")
	// ErrPortClosed is returned once the serial port has stopped delivering
	// data. The driver cannot recover from it.
	ErrPortClosed = errors.New("radio: port closed")
)
