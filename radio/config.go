package radio

import (
	"fmt"
	"time"
)

// Config holds the link parameters and the command timeouts of the radio
// module.
type Config struct {
	FrequencyHz     uint32 `yaml:"frequency_hz"`
	SpreadingFactor uint8  `yaml:"spreading_factor"`
	Bandwidth       uint8  `yaml:"bandwidth"`
	CodingRate      uint8  `yaml:"coding_rate"`
	Preamble        uint8  `yaml:"preamble"`
	TxPower         uint8  `yaml:"tx_power"`

	// MaxHexLen bounds the hex encoding of an outbound payload.
	MaxHexLen int `yaml:"max_hex_len"`

	CommandTimeout  time.Duration `yaml:"command_timeout"`
	ModeTimeout     time.Duration `yaml:"mode_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	SendTimeout     time.Duration `yaml:"send_timeout"`

	// Settle is the pause around a transmission while the module switches
	// role. BootSettle is the pause after each bring-up step.
	Settle     time.Duration `yaml:"settle"`
	BootSettle time.Duration `yaml:"boot_settle"`
}

// DefaultConfig returns the 869.525 MHz, SF7, 125 kHz link used by the
// grow units and the hub.
func DefaultConfig() Config {
	return Config{
		FrequencyHz:     869525000,
		SpreadingFactor: 7,
		Bandwidth:       0,
		CodingRate:      1,
		Preamble:        5,
		TxPower:         5,
		MaxHexLen:       800,
		CommandTimeout:  2 * time.Second,
		ModeTimeout:     5 * time.Second,
		TransferTimeout: time.Second,
		SendTimeout:     5 * time.Second,
		Settle:          100 * time.Millisecond,
		BootSettle:      500 * time.Millisecond,
	}
}

func (c Config) linkCommand() string {
	return fmt.Sprintf("at+set_config=lorap2p:%d:%d:%d:%d:%d:%d",
		c.FrequencyHz, c.SpreadingFactor, c.Bandwidth, c.CodingRate, c.Preamble, c.TxPower)
}

// Validate reports settings the driver cannot work with.
func (c Config) Validate() error {
	if c.MaxHexLen < 2 {
		return fmt.Errorf("radio: max_hex_len %d is below one byte", c.MaxHexLen)
	}
	for name, d := range map[string]time.Duration{
		"command_timeout":  c.CommandTimeout,
		"mode_timeout":     c.ModeTimeout,
		"transfer_timeout": c.TransferTimeout,
		"send_timeout":     c.SendTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("radio: %s must be positive", name)
		}
	}
	if c.Settle < 0 || c.BootSettle < 0 {
		return fmt.Errorf("radio: settle delays cannot be negative")
	}
	return nil
}
