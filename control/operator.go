package control

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCommand = errors.New("control: unknown operator command")

// CommandKind enumerates the operator console commands.
type CommandKind int

const (
	CommandManual CommandKind = iota
	CommandAutomatic
	CommandCalibrate
	CommandRelay
)

// OperatorCommand is a parsed console command.
type OperatorCommand struct {
	Kind   CommandKind
	Target Target
	Relay  Relay
	On     bool
}

var operatorCommands = map[string]OperatorCommand{
	"MANUAL":   {Kind: CommandManual},
	"AUTO":     {Kind: CommandAutomatic},
	"CAL_EC":   {Kind: CommandCalibrate, Target: TargetEC},
	"CALPH":    {Kind: CommandCalibrate, Target: TargetPH},
	"PUMP_ON":  {Kind: CommandRelay, Relay: Pump, On: true},
	"PUMP_OFF": {Kind: CommandRelay, Relay: Pump},
	"PH_ON":    {Kind: CommandRelay, Relay: PHRelay, On: true},
	"PH_OFF":   {Kind: CommandRelay, Relay: PHRelay},
	"NUT_ON":   {Kind: CommandRelay, Relay: NutrientRelay, On: true},
	"NUT_OFF":  {Kind: CommandRelay, Relay: NutrientRelay},
}

// ParseOperatorCommand parses one console line. Case and surrounding
// whitespace are ignored.
func ParseOperatorCommand(line string) (OperatorCommand, error) {
	word := strings.ToUpper(strings.TrimSpace(line))
	cmd, ok := operatorCommands[word]
	if !ok {
		return OperatorCommand{}, fmt.Errorf("%w: %q", ErrUnknownCommand, strings.TrimSpace(line))
	}
	return cmd, nil
}
