package main

import (
	"bufio"
	"io"
	"log/slog"
	"strings"

	"hydrofirma/growunit/control"
)

// readConsole parses operator commands from r, one per line, until r is
// exhausted.
func readConsole(r io.Reader, out chan<- control.OperatorCommand, logger *slog.Logger) {
	logger = logger.With("component", "console")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := control.ParseOperatorCommand(line)
		if err != nil {
			logger.Warn("unknown command", "line", line,
				"accepted", "MANUAL AUTO CAL_EC CALPH PUMP_ON PUMP_OFF PH_ON PH_OFF NUT_ON NUT_OFF")
			continue
		}
		out <- cmd
	}
	if err := scanner.Err(); err != nil {
		logger.Error("console read failed", "error", err)
	}
}
