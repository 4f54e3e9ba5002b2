// Command farm runs a grow unit: it samples the water and air sensors,
// drives the pump, pH and nutrient relays, reports over LoRa and obeys the
// hub's commands.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gobot.io/x/gobot/v2"

	"hydrofirma/growunit/config"
	"hydrofirma/growunit/control"
	"hydrofirma/growunit/probe"
	"hydrofirma/growunit/radio"
	"hydrofirma/growunit/store"
)

func main() {
	configPath := flag.String("config", "farm.yaml", "Path to the unit configuration")
	flag.Parse()

	cfg, err := config.LoadFarm(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer db.Close()

	phProbe := probe.NewPH(probe.DefaultPHConstants())
	var phc probe.PHConstants
	if loadConstants(db, probe.PHRecord, &phc, logger) {
		phProbe.Load(phc)
	}
	ecProbe := probe.NewEC(probe.DefaultECConstants())
	var ecc probe.ECConstants
	if loadConstants(db, probe.ECRecord, &ecc, logger) {
		ecProbe.Load(ecc)
	}

	port, err := radio.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer port.Close()

	driver := radio.NewDriver(port, cfg.Radio, logger)
	if err := driver.Initialize(); err != nil {
		logger.Error("radio bring-up failed, halting", "error", err)
		os.Exit(1)
	}

	hw := newHardware(cfg, phProbe, ecProbe)
	pump, ph, nutrient := hw.switches()

	operator := make(chan control.OperatorCommand)
	go readConsole(os.Stdin, operator, logger)

	deps := unitDeps{
		sensors:  hw,
		link:     driver,
		pump:     pump,
		ph:       ph,
		nutrient: nutrient,
		ecCal:    probe.NewECCalibrator(ecProbe, hw.ecSample, db, logger),
		phCal:    probe.NewPHCalibrator(phProbe, hw.phVoltage, db, logger),
		days:     db,
		operator: operator,
	}

	connections := hw.connections()
	var m *mirror
	if cfg.Mirror.Broker != "" {
		m = newMirror(cfg.Mirror, logger)
		connections = append(connections, m.adaptor)
		deps.reporter = m
		deps.remote = m.commands
	}

	u := newUnit(cfg, deps, logger)

	robot := gobot.NewRobot("growUnit", connections, hw.devices())
	if err := robot.Start(false); err != nil {
		logger.Error("robot start failed", "error", err)
		os.Exit(1)
	}

	if err := u.start(); err != nil {
		logger.Warn("initial relay reset incomplete", "error", err)
	}
	if m != nil {
		m.subscribe()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := newTickLoop(u)
	ticker := gobot.Every(cfg.Tick, loop.tick)
	logger.Info("grow unit running", "unit", cfg.UnitID, "tick", cfg.Tick, "telemetry_every", cfg.TelemetryEvery)

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	// The relays go off while the adaptor still owns its pins.
	if err := loop.shutdown(2*cfg.Tick + 5*time.Second); err != nil {
		logger.Error("relays may still be on", "error", err)
	}
	ticker.Stop()
	if err := robot.Stop(); err != nil {
		logger.Error("robot stop incomplete", "error", err)
	}
}

// loadConstants reads stored probe constants into v. It reports false when
// the probe should keep its defaults.
func loadConstants(db *store.Store, name string, v any, logger *slog.Logger) bool {
	err := db.LoadCalibration(name, v)
	switch {
	case err == nil:
		logger.Info("calibration loaded", "probe", name)
		return true
	case errors.Is(err, store.ErrNotFound):
		logger.Info("no stored calibration, using defaults", "probe", name)
	default:
		logger.Warn("reading calibration failed, using defaults", "probe", name, "error", err)
	}
	return false
}

var _ reporter = (*mirror)(nil)
