// Package probe converts analog probe voltages to pH and EC and holds the
// two-point calibration of each probe.
package probe

import (
	"errors"
	"fmt"
)

var ErrOutOfRange = errors.New("probe: voltage outside every calibration buffer range")

// PHConstants are the probe voltages, in mV, measured in the pH 7 and
// pH 4 buffers.
type PHConstants struct {
	NeutralMV float64 `json:"neutral_mv"`
	AcidMV    float64 `json:"acid_mv"`
}

func DefaultPHConstants() PHConstants {
	return PHConstants{NeutralMV: 1500, AcidMV: 2032.44}
}

// Voltage windows that identify the buffer a probe is sitting in.
var (
	phNeutralWindow = [2]float64{1322, 1678}
	phAcidWindow    = [2]float64{1854, 2210}
)

// PH is a linear pH probe model.
type PH struct {
	c PHConstants
}

func NewPH(c PHConstants) *PH { return &PH{c: c} }

func (p *PH) Constants() PHConstants { return p.c }

func (p *PH) Load(c PHConstants) { p.c = c }

// Value converts a probe voltage to pH.
func (p *PH) Value(mv float64) float64 {
	neutral := (p.c.NeutralMV - 1500) / 3
	acid := (p.c.AcidMV - 1500) / 3
	slope := (7.0 - 4.0) / (neutral - acid)
	intercept := 7.0 - slope*neutral
	return slope*(mv-1500)/3 + intercept
}

// Calibrate stores mv as the neutral or acid point, whichever buffer
// window it falls in.
func (p *PH) Calibrate(mv float64) (string, error) {
	switch {
	case inside(phNeutralWindow, mv):
		p.c.NeutralMV = mv
		return "pH 7", nil
	case inside(phAcidWindow, mv):
		p.c.AcidMV = mv
		return "pH 4", nil
	}
	return "", fmt.Errorf("%w: %.1f mV", ErrOutOfRange, mv)
}

func inside(w [2]float64, v float64) bool { return v > w[0] && v < w[1] }
