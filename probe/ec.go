package probe

import "fmt"

const (
	ecRes2 = 820.0
	ecRef  = 200.0

	lowBuffer  = 1.413
	highBuffer = 12.88
)

// ECConstants are the cell K values for the low and high ranges.
type ECConstants struct {
	KLow  float64 `json:"k_low"`
	KHigh float64 `json:"k_high"`
}

func DefaultECConstants() ECConstants {
	return ECConstants{KLow: 1.0, KHigh: 1.0}
}

// EC is a conductivity probe model. It switches between the low and high
// K value as the reading crosses 2.0 and 2.5 mS/cm.
type EC struct {
	c ECConstants
	k float64
}

func NewEC(c ECConstants) *EC { return &EC{c: c, k: c.KLow} }

func (e *EC) Constants() ECConstants { return e.c }

func (e *EC) Load(c ECConstants) {
	e.c = c
	e.k = c.KLow
}

// RawEC is the conductivity for a probe voltage with a unit cell constant
// and no temperature compensation.
func RawEC(mv float64) float64 { return 1000 * mv / ecRes2 / ecRef }

// Value converts a probe voltage to EC in mS/cm, compensated to 25 °C.
func (e *EC) Value(mv, tempC float64) float64 {
	raw := RawEC(mv)
	switch v := raw * e.k; {
	case v > 2.5:
		e.k = e.c.KHigh
	case v < 2.0:
		e.k = e.c.KLow
	}
	return raw * e.k / compensation(tempC)
}

// Calibrate derives the K value for the buffer the probe is sitting in:
// 1.413 mS/cm for the low range, 12.88 mS/cm for the high range.
func (e *EC) Calibrate(mv, tempC float64) (string, error) {
	raw := RawEC(mv)
	k := func(buffer float64) float64 {
		return ecRes2 * ecRef * buffer * compensation(tempC) / 1000 / mv
	}
	switch {
	case raw > 0.9 && raw < 1.9:
		e.c.KLow = k(lowBuffer)
		return "1.413 mS/cm", nil
	case raw > 9 && raw < 16.8:
		e.c.KHigh = k(highBuffer)
		return "12.88 mS/cm", nil
	}
	return "", fmt.Errorf("%w: %.1f mV", ErrOutOfRange, mv)
}

func compensation(tempC float64) float64 {
	return 1.0 + 0.0185*(tempC-25.0)
}
