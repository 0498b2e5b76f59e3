package vfd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/grid-x/serial"
	"gopkg.in/yaml.v3"
)

// Config lists the spindles of a machine.
type Config struct {
	Spindles []SpindleConfig `yaml:"spindles"`
}

// SpindleConfig describes one drive and how to reach it.
type SpindleConfig struct {
	Name string `yaml:"name"`
	// Type selects the protocol from a Registry, e.g. "EV50".
	Type string `yaml:"type"`
	// Address is rtu:///dev/ttyUSB0, udp://host:port or tcp://host:port.
	Address string        `yaml:"address"`
	SlaveID uint8         `yaml:"slave_id"`
	Timeout time.Duration `yaml:"timeout"`

	BaudRate int         `yaml:"baud_rate"`
	DataBits int         `yaml:"data_bits"`
	Parity   string      `yaml:"parity"`
	StopBits int         `yaml:"stop_bits"`
	RS485    RS485Config `yaml:"rs485"`

	// SpeedMap overrides the table derived from the drive limits,
	// e.g. "0=0% 6000=25% 24000=100%".
	SpeedMap      string        `yaml:"speed_map"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	// SpinUpTimeout defaults to 10s, a negative value disables the wait.
	SpinUpTimeout time.Duration `yaml:"spinup_timeout"`
	SpinUpDelay   time.Duration `yaml:"spinup_delay"`
	SpinDownDelay time.Duration `yaml:"spindown_delay"`
}

// RS485Config mirrors serial.RS485Config for configuration files.
type RS485Config struct {
	Enabled            bool          `yaml:"enabled"`
	DelayRtsBeforeSend time.Duration `yaml:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `yaml:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `yaml:"rts_high_during_send"`
	RtsHighAfterSend   bool          `yaml:"rts_high_after_send"`
	RxDuringTx         bool          `yaml:"rx_during_tx"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vfd: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vfd: decode config: %w", err)
	}
	if len(cfg.Spindles) == 0 {
		return nil, errors.New("vfd: config lists no spindles")
	}
	seen := make(map[string]bool, len(cfg.Spindles))
	for i := range cfg.Spindles {
		sc := &cfg.Spindles[i]
		sc.ApplyDefaults()
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("vfd: spindle %d: %w", i, err)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("vfd: duplicate spindle name '%s'", sc.Name)
		}
		seen[sc.Name] = true
	}
	return &cfg, nil
}

// ApplyDefaults fills unset serial and timing fields.
func (c *SpindleConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "spindle"
	}
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Validate checks the fields that cannot be defaulted.
func (c *SpindleConfig) Validate() error {
	if c.Type == "" {
		return errors.New("type is required")
	}
	if c.Address == "" {
		return errors.New("address is required")
	}
	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	switch u.Scheme {
	case "rtu", "udp", "tcp":
	default:
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	switch c.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("parity '%s' must be N, E or O", c.Parity)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("data bits '%d' must be between 5 and 8", c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("stop bits '%d' must be 1 or 2", c.StopBits)
	}
	if c.SpeedMap != "" {
		if _, err := ParseSpeedMap(c.SpeedMap); err != nil {
			return err
		}
	}
	return nil
}

// Speeds returns the configured table, or nil to derive it from the drive.
func (c *SpindleConfig) Speeds() (*SpeedMap, error) {
	if c.SpeedMap == "" {
		return nil, nil
	}
	entries, err := ParseSpeedMap(c.SpeedMap)
	if err != nil {
		return nil, err
	}
	return NewSpeedMap(entries), nil
}

// Handler builds the transport for Address. frames, when not nil, receives
// every frame sent and received.
func (c *SpindleConfig) Handler(frames logger) (Handler, error) {
	u, err := url.Parse(c.Address)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "rtu":
		h := NewRTUClientHandler(u.Path)
		if c.Timeout > 0 {
			h.Timeout = c.Timeout
		}
		h.SlaveID = c.SlaveID
		h.Logger = frames
		h.BaudRate = c.BaudRate
		h.DataBits = c.DataBits
		h.Parity = c.Parity
		h.StopBits = c.StopBits
		h.RS485 = serial.RS485Config{
			Enabled:            c.RS485.Enabled,
			DelayRtsBeforeSend: c.RS485.DelayRtsBeforeSend,
			DelayRtsAfterSend:  c.RS485.DelayRtsAfterSend,
			RtsHighDuringSend:  c.RS485.RtsHighDuringSend,
			RtsHighAfterSend:   c.RS485.RtsHighAfterSend,
			RxDuringTx:         c.RS485.RxDuringTx,
		}
		return h, nil
	case "udp":
		h := NewRTUOverUDPClientHandler(u.Host)
		if c.Timeout > 0 {
			h.Timeout = c.Timeout
		}
		h.SlaveID = c.SlaveID
		h.Logger = frames
		return h, nil
	case "tcp":
		h := NewRTUOverTCPClientHandler(u.Host)
		if c.Timeout > 0 {
			h.Timeout = c.Timeout
		}
		h.SlaveID = c.SlaveID
		h.Logger = frames
		return h, nil
	}
	return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

// NewSpindle builds the spindle described by c using handler.
func (c *SpindleConfig) NewSpindle(registry Registry, handler Handler, log *slog.Logger) (*Spindle, error) {
	protocol, err := registry.New(c.Type, log)
	if err != nil {
		return nil, err
	}
	speeds, err := c.Speeds()
	if err != nil {
		return nil, err
	}
	s := NewSpindle(c.Name, protocol, handler, speeds)
	s.Logger = log
	s.PollInterval = c.PollInterval
	if c.SpinUpTimeout != 0 {
		s.SpinUpTimeout = c.SpinUpTimeout
	}
	s.SpinUpDelay = c.SpinUpDelay
	s.SpinDownDelay = c.SpinDownDelay
	return s, nil
}
