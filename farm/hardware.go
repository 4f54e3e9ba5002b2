package main

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"hydrofirma/growunit/config"
	"hydrofirma/growunit/control"
	"hydrofirma/growunit/probe"
)

// hardware is the Raspberry Pi side of the unit: the relay board, the
// ADS1115 carrying the water probes and the I2C air sensors.
type hardware struct {
	adaptor *raspi.Adaptor

	pump     *gpio.RelayDriver
	ph       *gpio.RelayDriver
	nutrient *gpio.RelayDriver

	adc   *i2c.ADS1x15Driver
	air   *i2c.BMP280Driver
	light *i2c.BH1750Driver
	gas   *i2c.CCS811Driver

	cfg     config.Sensors
	phProbe *probe.PH
	ecProbe *probe.EC

	last control.Readings
	phMV float64
	ecMV float64
}

func newHardware(cfg config.Farm, ph *probe.PH, ec *probe.EC) *hardware {
	r := raspi.NewAdaptor()
	return &hardware{
		adaptor:  r,
		pump:     newRelay(r, cfg.Pins.Pump, cfg.Pins.ActiveLow),
		ph:       newRelay(r, cfg.Pins.PH, cfg.Pins.ActiveLow),
		nutrient: newRelay(r, cfg.Pins.Nutrient, cfg.Pins.ActiveLow),
		adc:      i2c.NewADS1115Driver(r),
		air:      i2c.NewBMP280Driver(r),
		light:    i2c.NewBH1750Driver(r),
		gas:      i2c.NewCCS811Driver(r),
		cfg:      cfg.Sensors,
		phProbe:  ph,
		ecProbe:  ec,
	}
}

// newRelay builds a relay driver. Boards wired active low energise the
// relay when the pin is driven low.
func newRelay(w gpio.DigitalWriter, pin string, activeLow bool) *gpio.RelayDriver {
	if activeLow {
		return gpio.NewRelayDriver(w, pin, gpio.WithRelayInverted())
	}
	return gpio.NewRelayDriver(w, pin)
}

func (h *hardware) connections() []gobot.Connection {
	return []gobot.Connection{h.adaptor}
}

func (h *hardware) devices() []gobot.Device {
	return []gobot.Device{
		h.pump, h.ph, h.nutrient,
		h.adc, h.air, h.light, h.gas,
	}
}

func (h *hardware) switches() (pump, ph, nutrient control.Switch) {
	return h.pump, h.ph, h.nutrient
}

// Sample reads every sensor. A failed sensor keeps its previous value and
// its error is returned alongside the snapshot.
func (h *hardware) Sample(now time.Time) (control.Readings, error) {
	var result *multierror.Error
	r := h.last
	r.At = now

	// Water temperature first, the EC compensation needs it.
	if v, err := h.adc.ReadWithDefaults(h.cfg.WaterTempChannel); err != nil {
		result = multierror.Append(result, fmt.Errorf("water temperature: %w", err))
	} else {
		r.WaterTemp = v * 1000 / h.cfg.WaterTempMVPerDegree
	}

	if v, err := h.adc.ReadWithDefaults(h.cfg.PHChannel); err != nil {
		result = multierror.Append(result, fmt.Errorf("pH probe: %w", err))
	} else {
		h.phMV = v * 1000
		r.PHVolts = v
		r.PH = h.phProbe.Value(h.phMV)
	}

	if v, err := h.adc.ReadWithDefaults(h.cfg.ECChannel); err != nil {
		result = multierror.Append(result, fmt.Errorf("EC probe: %w", err))
	} else {
		h.ecMV = v * 1000
		r.ECRaw = probe.RawEC(h.ecMV)
		r.EC = h.ecProbe.Value(h.ecMV, r.WaterTemp)
	}

	if v, err := h.adc.ReadWithDefaults(h.cfg.LevelChannel); err != nil {
		result = multierror.Append(result, fmt.Errorf("water level: %w", err))
	} else {
		r.WaterLevel = v * h.cfg.LevelCMPerVolt
		r.LowWater = r.WaterLevel > h.cfg.LowWaterCM
	}

	if t, err := h.air.Temperature(); err != nil {
		result = multierror.Append(result, fmt.Errorf("air temperature: %w", err))
	} else {
		r.AirTemp = float64(t)
	}

	if lux, err := h.light.Lux(); err != nil {
		result = multierror.Append(result, fmt.Errorf("light: %w", err))
	} else {
		r.Light = float64(lux)
	}

	if eco2, _, err := h.gas.GetGasData(); err != nil {
		result = multierror.Append(result, fmt.Errorf("CO2: %w", err))
	} else {
		r.CO2 = float64(eco2)
	}

	h.last = r
	return r, result.ErrorOrNil()
}

// phVoltage is the last pH probe voltage in mV.
func (h *hardware) phVoltage() float64 { return h.phMV }

// ecSample is the last EC probe voltage in mV and the water temperature.
func (h *hardware) ecSample() (float64, float64) { return h.ecMV, h.last.WaterTemp }
