// Command hub is the central station of the grow units: it relays their
// LoRa status frames to MQTT, forwards MQTT and operator commands back over
// the radio, keeps the history and serves the operator page.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/go-playground/form/v4"
	"github.com/hashicorp/go-multierror"
	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"hydrofirma/growunit/config"
	"hydrofirma/growunit/mqtt"
	"hydrofirma/growunit/radio"
	"hydrofirma/growunit/store"
	"hydrofirma/growunit/telemetry"
)

const shutdownTimeout = 10 * time.Second

// commander is the radio side the web handlers talk to.
type commander interface {
	sendAuto(ctx context.Context, sp telemetry.Setpoints) error
	sendActuator(ctx context.Context, o telemetry.Overrides) error
	units() []unitStatus
}

type records interface {
	RecentTelemetry(ctx context.Context, unit string, limit int) ([]store.TelemetryRecord, error)
	RecentCommands(ctx context.Context, limit int) ([]store.CommandRecord, error)
}

type application struct {
	logger         *slog.Logger
	commands       commander
	records        records
	metrics        *metrics
	templateCache  map[string]*template.Template
	formDecoder    *form.Decoder
	sessionManager *scs.SessionManager
	secureCookies  bool
	operatorHash   []byte
}

func newApplication(logger *slog.Logger, cmds commander, recs records, m *metrics, sessions *scs.SessionManager, secure bool, operatorHash string) (*application, error) {
	templateCache, err := newTemplateCache()
	if err != nil {
		return nil, err
	}
	return &application{
		logger:         logger,
		commands:       cmds,
		records:        recs,
		metrics:        m,
		templateCache:  templateCache,
		formDecoder:    form.NewDecoder(),
		sessionManager: sessions,
		secureCookies:  secure,
		operatorHash:   []byte(operatorHash),
	}, nil
}

func main() {
	configPath := flag.String("config", "hub.yaml", "Path to the hub configuration")
	addr := flag.String("addr", "", "HTTP network address, overrides http_addr")
	flag.Parse()

	cfg, err := config.LoadHub(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	if err := run(cfg, logger); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Hub, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	closers = append(closers, db.Close)

	if cfg.EmbeddedBroker != "" {
		broker, err := startBroker(logger, cfg.EmbeddedBroker)
		if err != nil {
			return fmt.Errorf("mqtt broker: %w", err)
		}
		logger.Info("mqtt broker listening", "address", cfg.EmbeddedBroker)
		closers = append(closers, broker.Close)
	}

	client, err := mqtt.NewClient(mqtt.MQTTConfig{
		BrokerURL:     cfg.MQTT.Broker,
		ClientID:      cfg.MQTT.ClientID,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		QoS:           cfg.MQTT.QoS,
		AutoReconnect: true,
		MaxRetries:    cfg.MQTT.MaxRetries,
		RetryInterval: cfg.MQTT.RetryInterval,
	}, logger)
	if err != nil {
		return err
	}
	closers = append(closers, func() error { client.Close(); return nil })

	port, err := radio.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		return err
	}
	closers = append(closers, port.Close)

	driver := radio.NewDriver(port, cfg.Radio, logger)
	if err := driver.Initialize(); err != nil {
		return fmt.Errorf("radio bring-up failed: %w", err)
	}

	m := newMetrics()
	b := newBridge(driver, client, db, m, cfg.MQTT.TopicPrefix, cfg.HistoryKeep, cfg.QueueSize, cfg.PollEvery, logger)
	if err := b.subscribe(client); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.run(ctx)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	sessionManager := scs.New()
	sessionManager.Store = sqlite3store.New(db.DB())
	sessionManager.Lifetime = 12 * time.Hour
	sessionManager.Cookie.Secure = cfg.SecureCookies

	app, err := newApplication(logger, b, db, m, sessionManager, cfg.SecureCookies, cfg.OperatorPasswordHash)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      app.routes(),
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: commandTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTPAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startBroker(l *slog.Logger, addr string) (*mqttbroker.Server, error) {
	server := mqttbroker.New(&mqttbroker.Options{
		Logger: l.With(slog.String("component", "mqtt-broker")),
	})
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}
	if err := server.Serve(); err != nil {
		return nil, err
	}
	return server, nil
}
