package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"nexa-go-home/internal/gateway"
	"nexa-go-home/internal/hal"
	"nexa-go-home/internal/influxdb"
	"nexa-go-home/internal/nexa"
	"nexa-go-home/internal/store"
	"nexa-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Transmitter drivers.
const (
	driverSerial   = "serial"
	driverRecorder = "recorder"
)

type Config struct {
	Transmitter struct {
		Driver        string `yaml:"driver"` // "serial" or "recorder"
		Port          string `yaml:"port"`
		Baud          int    `yaml:"baud"`
		TxLine        string `yaml:"tx_line"`
		RxLine        string `yaml:"rx_line"`
		IndicatorLine string `yaml:"indicator_line"`
		Invert        bool   `yaml:"invert"`
	} `yaml:"transmitter"`
	Devices []gateway.Device `yaml:"devices"`
	Groups  []gateway.Group  `yaml:"groups"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	InfluxDB influxdb.Config `yaml:"influxdb"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// pins resolves the configured line names. indicator is zero when unset.
func (c *Config) pins() (tx, rx, indicator hal.Pin, err error) {
	if tx, err = hal.ParseLine(c.Transmitter.TxLine); err != nil {
		return 0, 0, 0, fmt.Errorf("transmitter.tx_line: %w", err)
	}
	if rx, err = hal.ParseLine(c.Transmitter.RxLine); err != nil {
		return 0, 0, 0, fmt.Errorf("transmitter.rx_line: %w", err)
	}
	if c.Transmitter.IndicatorLine != "" {
		if indicator, err = hal.ParseLine(c.Transmitter.IndicatorLine); err != nil {
			return 0, 0, 0, fmt.Errorf("transmitter.indicator_line: %w", err)
		}
	}
	return tx, rx, indicator, nil
}

func (c *Config) validate() error {
	switch c.Transmitter.Driver {
	case driverSerial:
		if c.Transmitter.Port == "" {
			return fmt.Errorf("transmitter.port is required for the serial driver")
		}
	case driverRecorder:
	default:
		return fmt.Errorf("transmitter.driver must be %q or %q, got %q", driverSerial, driverRecorder, c.Transmitter.Driver)
	}

	tx, rx, indicator, err := c.pins()
	if err != nil {
		return err
	}
	if tx != hal.LineRTS && tx != hal.LineDTR {
		return fmt.Errorf("transmitter.tx_line must be rts or dtr, got %q", c.Transmitter.TxLine)
	}
	if rx == hal.LineRTS || rx == hal.LineDTR {
		return fmt.Errorf("transmitter.rx_line must be an input line, got %q", c.Transmitter.RxLine)
	}
	if indicator != 0 && (indicator == tx || (indicator != hal.LineRTS && indicator != hal.LineDTR)) {
		return fmt.Errorf("transmitter.indicator_line must be the output line not used by tx_line, got %q", c.Transmitter.IndicatorLine)
	}

	if len(c.Devices) == 0 && len(c.Groups) == 0 {
		return fmt.Errorf("at least one device or group is required")
	}
	if _, err := gateway.NewRegistry(c.Devices, c.Groups); err != nil {
		return err
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url is required when influxdb is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("nexa-go-home starting", "version", version, "driver", cfg.Transmitter.Driver)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	radio, err := openTransmitter(cfg, logger)
	if err != nil {
		logger.Error("open transmitter", "err", err)
		os.Exit(1)
	}
	defer radio.Close()

	registry, err := gateway.NewRegistry(cfg.Devices, cfg.Groups)
	if err != nil {
		logger.Error("load devices", "err", err)
		os.Exit(1)
	}
	events := gateway.NewEventBus(logger)
	gw := gateway.New(radio.ctrl, registry, db, events, logger)
	logger.Info("gateway ready", "devices", len(cfg.Devices), "groups", len(cfg.Groups))

	if radio.recorder != nil {
		stopDryRun := logDryRun(radio.recorder, radio.tx, events, logger)
		defer stopDryRun()
	}

	metrics := initInfluxDB(cfg, events, logger)
	defer metrics.Stop()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(gw, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(gw, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(gw, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

// transmitter is the controller together with the HAL it drives.
type transmitter struct {
	ctrl     *nexa.Ctrl
	tx       hal.Pin
	recorder *hal.Recorder // set for the recorder driver
	closer   func() error
}

func (t *transmitter) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}

func openTransmitter(cfg *Config, logger *slog.Logger) (*transmitter, error) {
	tx, rx, indicator, err := cfg.pins()
	if err != nil {
		return nil, err
	}

	t := &transmitter{tx: tx}
	var h hal.HAL
	switch cfg.Transmitter.Driver {
	case driverSerial:
		logger.Info("using serial transmitter", "port", cfg.Transmitter.Port, "tx", cfg.Transmitter.TxLine)
		s, err := hal.OpenSerial(hal.SerialConfig{
			Port:   cfg.Transmitter.Port,
			Baud:   cfg.Transmitter.Baud,
			Invert: cfg.Transmitter.Invert,
		}, logger)
		if err != nil {
			return nil, err
		}
		h, t.closer = s, s.Close
	default:
		logger.Warn("using recorder driver, nothing will be transmitted")
		t.recorder = hal.NewRecorder()
		h = t.recorder
	}

	opts := []nexa.Option{nexa.WithLogger(logger)}
	if indicator != 0 {
		opts = append(opts, nexa.WithIndicator(indicator))
	}
	t.ctrl, err = nexa.New(h, tx, rx, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// logDryRun logs what the recorder captured for each command and resets it.
func logDryRun(rec *hal.Recorder, tx hal.Pin, events *gateway.EventBus, logger *slog.Logger) func() {
	logger = logger.With("component", "dryrun")
	return events.On(gateway.EventCommandSent, func(e gateway.Event) {
		sent, _ := e.Data.(gateway.CommandSent)
		logger.Info("frame recorded",
			"cmd", sent.Command.String(),
			"message", sent.Message.String(),
			"symbols", len(rec.Symbols(tx)),
			"airtime", rec.Elapsed(),
		)
		rec.Clear()
	})
}

type metricsStopper struct {
	client *influxdb.Client
	unsub  func()
}

func (m *metricsStopper) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
	if m.client != nil {
		m.client.Close()
	}
}

func initInfluxDB(cfg *Config, events *gateway.EventBus, logger *slog.Logger) *metricsStopper {
	if !cfg.InfluxDB.Enabled {
		return &metricsStopper{}
	}
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		logger.Error("influxdb", "err", err)
		return &metricsStopper{}
	}
	influxLogger := logger.With("component", "influxdb")
	client.SetOnError(func(err error) {
		influxLogger.Warn("write failed", "err", err)
	})
	logger.Info("influxdb connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	return &metricsStopper{client: client, unsub: client.Subscribe(events)}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transmitter.Driver == "" {
		cfg.Transmitter.Driver = driverSerial
	}
	if cfg.Transmitter.Baud == 0 {
		cfg.Transmitter.Baud = 9600
	}
	if cfg.Transmitter.TxLine == "" {
		cfg.Transmitter.TxLine = "rts"
	}
	if cfg.Transmitter.RxLine == "" {
		cfg.Transmitter.RxLine = "cts"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "nexa-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "nexa"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "nexa-go-home"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
