package radio

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHex renders b as uppercase hex, two characters per byte.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// DecodeHex parses hex data of either case. Odd-length input yields
// ErrOddHexLength and a nil slice.
func DecodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, ErrOddHexLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return b, nil
}
