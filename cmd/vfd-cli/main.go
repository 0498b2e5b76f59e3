package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grid-x/vfd"
)

func main() {
	var opt option
	flag.StringVar(&opt.configFile, "config", "", "YAML file listing spindles; overrides the connection flags")
	flag.StringVar(&opt.spindle, "spindle", "", "name of the spindle to use from -config, defaults to the first")
	// general
	flag.StringVar(&opt.cfg.Type, "type", "EV50", "drive type")
	flag.StringVar(&opt.cfg.Address, "address", "rtu:///dev/ttyUSB0", "Example: rtu:///dev/ttyUSB0, udp://192.168.1.10:502, tcp://192.168.1.10:502")
	flag.IntVar(&opt.slaveID, "slaveID", 1, "Modbus address of the drive")
	flag.DurationVar(&opt.cfg.Timeout, "timeout", 1*time.Second, "Modbus response timeout")
	flag.StringVar(&opt.cfg.SpeedMap, "speed-map", "", "RPM to percent table, e.g. '0=0% 24000=100%'; derived from the drive limits when empty")
	flag.DurationVar(&opt.cfg.SpinUpTimeout, "spinup-timeout", 10*time.Second, "how long to wait for the drive to report the commanded speed, negative disables")
	flag.DurationVar(&opt.cfg.PollInterval, "poll-interval", 250*time.Millisecond, "interval between speed queries while waiting")
	// rtu
	flag.IntVar(&opt.cfg.BaudRate, "rtu-baudrate", 9600, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	flag.IntVar(&opt.cfg.DataBits, "rtu-databits", 8, "5, 6, 7 or 8")
	flag.StringVar(&opt.cfg.Parity, "rtu-parity", "N", "Parity: N - None, E - Even, O - Odd")
	flag.IntVar(&opt.cfg.StopBits, "rtu-stopbits", 1, "1 or 2")
	// rs485
	flag.BoolVar(&opt.cfg.RS485.Enabled, "rs485-enable", false, "enables rs485 cfg")
	flag.DurationVar(&opt.cfg.RS485.DelayRtsBeforeSend, "rs485-delayRtsBeforeSend", 0, "Delay rts before send")
	flag.DurationVar(&opt.cfg.RS485.DelayRtsAfterSend, "rs485-delayRtsAfterSend", 0, "Delay rts after send")
	flag.BoolVar(&opt.cfg.RS485.RtsHighDuringSend, "rs485-rtsHighDuringSend", false, "Allow rts high during send")
	flag.BoolVar(&opt.cfg.RS485.RtsHighAfterSend, "rs485-rtsHighAfterSend", false, "Allow rts high after send")
	flag.BoolVar(&opt.cfg.RS485.RxDuringTx, "rs485-rxDuringTx", false, "Allow bidirectional rx during tx")
	// actions
	flag.BoolVar(&opt.calibrate, "calibrate", true, "read the frequency limits from the drive first")
	flag.StringVar(&opt.direction, "direction", "", "cw, ccw or stop; cw when only -rpm is given")
	flag.IntVar(&opt.rpm, "rpm", -1, "speed to set")
	flag.BoolVar(&opt.read, "read", false, "print the current speed")
	// output
	flag.BoolVar(&opt.logFrame, "log-frame", false, "log every frame sent and received")
	flag.StringVar(&opt.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9100")

	flag.Parse()

	if len(os.Args) == 1 {
		flag.PrintDefaults()
		return
	}

	logger := newLogger(opt.logLevel)
	if err := execute(opt, logger); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

type option struct {
	configFile string
	spindle    string
	slaveID    int
	cfg        vfd.SpindleConfig

	calibrate bool
	direction string
	rpm       int
	read      bool

	logFrame    bool
	logLevel    string
	metricsAddr string
}

// registry lists the drives this tool can talk to.
var registry = vfd.Registry{
	"EV50": vfd.NewEV50,
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func execute(opt option, logger *slog.Logger) error {
	cfg, err := spindleConfig(opt)
	if err != nil {
		return err
	}

	var frames interface {
		Printf(format string, v ...interface{})
	}
	if opt.logFrame {
		frames = &debugAdapter{Logger: logger}
	}
	handler, err := cfg.Handler(frames)
	if err != nil {
		return err
	}
	if err := handler.Connect(); err != nil {
		return err
	}
	defer handler.Close()

	spindle, err := cfg.NewSpindle(registry, handler, logger)
	if err != nil {
		return err
	}
	if opt.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		spindle.Metrics = vfd.NewMetrics(reg)
		go serveMetrics(opt.metricsAddr, reg, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return run(ctx, spindle, opt, logger)
}

// spindleConfig picks the spindle from -config or builds it from flags.
func spindleConfig(opt option) (*vfd.SpindleConfig, error) {
	if opt.configFile == "" {
		if opt.slaveID < 1 || opt.slaveID > 247 {
			return nil, fmt.Errorf("invalid slave id: %d", opt.slaveID)
		}
		cfg := opt.cfg
		cfg.SlaveID = uint8(opt.slaveID)
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	file, err := vfd.LoadConfig(opt.configFile)
	if err != nil {
		return nil, err
	}
	if opt.spindle == "" {
		return &file.Spindles[0], nil
	}
	for i := range file.Spindles {
		if strings.EqualFold(file.Spindles[i].Name, opt.spindle) {
			return &file.Spindles[i], nil
		}
	}
	return nil, fmt.Errorf("spindle '%s' not found in %s", opt.spindle, opt.configFile)
}

func run(ctx context.Context, spindle *vfd.Spindle, opt option, logger *slog.Logger) error {
	if opt.calibrate {
		if err := spindle.Init(ctx); err != nil {
			return err
		}
		state := spindle.State()
		logger.Info("drive calibrated",
			"min", state.Range.Min, "max", state.Range.Max,
			"min_rpm", state.Speeds.MinRPM(), "max_rpm", state.Speeds.MaxRPM())
	}

	ready, err := spindle.Ready(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return errors.New("drive is not ready")
	}

	direction := opt.direction
	if direction == "" && opt.rpm >= 0 {
		direction = "cw"
	}
	if direction != "" {
		state, err := vfd.ParseSpindleState(direction)
		if err != nil {
			return err
		}
		rpm := uint32(0)
		if opt.rpm > 0 {
			rpm = uint32(opt.rpm)
		}
		if err := spindle.SetState(ctx, state, rpm); err != nil {
			return err
		}
		logger.Info("state set", "direction", state.String(), "rpm", rpm)
	}

	if opt.read {
		rpm, err := spindle.Speed(ctx)
		if err != nil {
			return err
		}
		logger.Info("current speed", "rpm", rpm, "frequency", spindle.State().SyncSpeed)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}
