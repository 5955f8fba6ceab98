// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MinPollInterval is the shortest poll interval accepted.
const MinPollInterval = time.Second

// Config defines the global configuration structure
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Catalog   string          `mapstructure:"catalog"` // PDU catalog file, empty for the built-in table
	Transport TransportConfig `mapstructure:"transport"`
	Bus       BusConfig       `mapstructure:"bus"`
	Poll      PollConfig      `mapstructure:"poll"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Simulator SimulatorConfig `mapstructure:"simulator"`

	// Writes are "id=value" assignments queued once at startup.
	Writes []string `mapstructure:"writes"`

	// ConfigFile is the file the configuration was read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// TransportConfig selects the byte stream to the appliance.
type TransportConfig struct {
	Type      string          `mapstructure:"type"` // "rtu", "rtu-over-tcp"
	Serial    SerialConfig    `mapstructure:"serial"`
	Tcp       TcpConfig       `mapstructure:"tcp"`
	Direction DirectionConfig `mapstructure:"direction"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address     string        `mapstructure:"address"` // e.g. "192.168.1.100:8899"
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // read timeout of the port itself

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// DirectionConfig names a GPIO line that drives the transceiver's
// transmit-enable input. Leave Chip empty when the adapter switches by
// itself or the kernel RS485 mode is used.
type DirectionConfig struct {
	Chip       string `mapstructure:"chip"` // e.g. gpiochip0
	Line       int    `mapstructure:"line"` // line offset on the chip
	ActiveHigh bool   `mapstructure:"active_high"`
}

// BusConfig holds the transaction timing.
type BusConfig struct {
	SlaveID           int           `mapstructure:"slave_id"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	Attempts          int           `mapstructure:"attempts"`
	PreTransmitGuard  time.Duration `mapstructure:"pre_transmit_guard"`
	PostTransmitGuard time.Duration `mapstructure:"post_transmit_guard"`
}

// PollConfig controls the poll cycle.
type PollConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Tick          time.Duration `mapstructure:"tick"` // how often the scheduler is stepped
	MaxRangeCount int           `mapstructure:"max_range_count"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `mapstructure:"address"` // empty disables the endpoint
}

// SimulatorConfig is read by the appliance simulator.
type SimulatorConfig struct {
	Serial      SerialConfig      `mapstructure:"serial"`
	Listen      string            `mapstructure:"listen"` // RTU-over-TCP address, serves TCP instead of serial when set
	SlaveID     int               `mapstructure:"slave_id"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("catalog", "")
	v.SetDefault("transport.type", "rtu")
	v.SetDefault("transport.serial.device", "/dev/ttyUSB0")
	v.SetDefault("transport.serial.baud_rate", 9600)
	v.SetDefault("transport.serial.data_bits", 8)
	v.SetDefault("transport.serial.parity", "N")
	v.SetDefault("transport.serial.stop_bits", 1)
	v.SetDefault("transport.tcp.address", "")
	v.SetDefault("transport.tcp.dial_timeout", 5*time.Second)
	v.SetDefault("transport.direction.chip", "")
	v.SetDefault("transport.direction.line", 0)
	v.SetDefault("transport.direction.active_high", true)
	v.SetDefault("bus.slave_id", 1)
	v.SetDefault("bus.read_timeout", 300*time.Millisecond)
	v.SetDefault("bus.write_timeout", 500*time.Millisecond)
	v.SetDefault("bus.attempts", 3)
	v.SetDefault("bus.pre_transmit_guard", 2*time.Millisecond)
	v.SetDefault("bus.post_transmit_guard", 1*time.Millisecond)
	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.tick", 5*time.Millisecond)
	v.SetDefault("poll.max_range_count", 125)
	v.SetDefault("metrics.address", "")
	v.SetDefault("simulator.serial.device", "/tmp/pts0")
	v.SetDefault("simulator.serial.baud_rate", 9600)
	v.SetDefault("simulator.serial.data_bits", 8)
	v.SetDefault("simulator.serial.parity", "N")
	v.SetDefault("simulator.serial.stop_bits", 1)
	v.SetDefault("simulator.listen", "")
	v.SetDefault("simulator.slave_id", 1)
	v.SetDefault("simulator.persistence.type", "memory")
	v.SetDefault("simulator.persistence.path", "")
	v.SetDefault("writes", []string{})
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"catalog":        "catalog",
	"device":         "transport.serial.device",
	"baud_rate":      "transport.serial.baud_rate",
	"transport":      "transport.type",
	"tcp_address":    "transport.tcp.address",
	"slave_id":       "bus.slave_id",
	"interval":       "poll.interval",
	"metrics":        "metrics.address",
	"log_level":      "log.level",
	"log_file":       "log.file",
	"write":          "writes",
	"sim_device":     "simulator.serial.device",
	"sim_listen":     "simulator.listen",
	"sim_persist":    "simulator.persistence.type",
	"sim_persist_to": "simulator.persistence.path",
}

// Flags returns the command line flags understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.String("catalog", "", "PDU catalog file (built-in table when empty).")
	fs.StringP("device", "p", "", "Serial port device name.")
	fs.IntP("baud_rate", "s", 0, "Serial port speed.")
	fs.StringP("transport", "t", "", "Transport type (rtu, rtu-over-tcp).")
	fs.StringP("tcp_address", "A", "", "Address of an RTU-over-TCP converter.")
	fs.IntP("slave_id", "u", 0, "Slave address of the appliance.")
	fs.DurationP("interval", "i", 0, "Poll interval.")
	fs.StringP("metrics", "m", "", "Prometheus listen address, e.g. :9480.")
	fs.StringP("log_level", "v", "", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log_file", "L", "", "Log file name ('-' for logging to STDOUT only).")
	fs.StringSliceP("write", "w", nil, "Write a PDU at startup, e.g. 3000=48.5 (repeatable).")
	fs.String("sim_device", "", "Serial port the simulator answers on.")
	fs.String("sim_listen", "", "Serve the simulator as RTU over TCP on this address.")
	fs.String("sim_persist", "", "Simulator register storage (memory, file, mmap).")
	fs.String("sim_persist_to", "", "Simulator register storage path.")
	return fs
}

// Load builds the configuration of the master from defaults, the config
// file, HEATBUS_* environment variables and the command line, in
// increasing precedence.
func Load(name string, args []string) (*Config, error) {
	config, err := load(name, args)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadSimulator is Load for the appliance simulator. Only the simulator
// keys are validated.
func LoadSimulator(name string, args []string) (*Config, error) {
	config, err := load(name, args)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateSimulator(); err != nil {
		return nil, err
	}
	return config, nil
}

func load(name string, args []string) (*Config, error) {
	fs := Flags(name)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HEATBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/heatbus/")
		v.AddConfigPath("$HOME/.heatbus")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	fixupSerial(&config.Transport.Serial)
	fixupSerial(&config.Simulator.Serial)
	config.Transport.Type = strings.ToLower(config.Transport.Type)
	config.Simulator.Persistence.Type = strings.ToLower(config.Simulator.Persistence.Type)
	return &config, nil
}

// Validate rejects settings the master cannot run with.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case "rtu":
		if c.Transport.Serial.Device == "" {
			return errors.New("config: transport.serial.device is required for rtu")
		}
	case "rtu-over-tcp":
		if c.Transport.Tcp.Address == "" {
			return errors.New("config: transport.tcp.address is required for rtu-over-tcp")
		}
	default:
		return fmt.Errorf("config: unknown transport type %q", c.Transport.Type)
	}
	if c.Bus.SlaveID < 1 || c.Bus.SlaveID > 247 {
		return fmt.Errorf("config: bus.slave_id %d outside [1,247]", c.Bus.SlaveID)
	}
	if c.Bus.Attempts < 1 {
		return fmt.Errorf("config: bus.attempts must be at least 1, got %d", c.Bus.Attempts)
	}
	if c.Poll.Interval < MinPollInterval {
		return fmt.Errorf("config: poll.interval %v below the %v floor", c.Poll.Interval, MinPollInterval)
	}
	if c.Poll.Tick <= 0 {
		return fmt.Errorf("config: poll.tick must be positive, got %v", c.Poll.Tick)
	}
	if c.Poll.MaxRangeCount < 2 || c.Poll.MaxRangeCount > 125 {
		return fmt.Errorf("config: poll.max_range_count %d outside [2,125]", c.Poll.MaxRangeCount)
	}
	if c.Transport.Direction.Chip != "" && c.Transport.Direction.Line < 0 {
		return fmt.Errorf("config: transport.direction.line %d is negative", c.Transport.Direction.Line)
	}
	return nil
}

// ValidateSimulator rejects settings the appliance simulator cannot run
// with.
func (c *Config) ValidateSimulator() error {
	if c.Simulator.SlaveID < 1 || c.Simulator.SlaveID > 247 {
		return fmt.Errorf("config: simulator.slave_id %d outside [1,247]", c.Simulator.SlaveID)
	}
	if c.Simulator.Listen == "" && c.Simulator.Serial.Device == "" {
		return errors.New("config: simulator.serial.device or simulator.listen is required")
	}
	switch c.Simulator.Persistence.Type {
	case "memory":
	case "file", "mmap":
		if c.Simulator.Persistence.Path == "" {
			return fmt.Errorf("config: simulator.persistence.path is required for %s", c.Simulator.Persistence.Type)
		}
	default:
		return fmt.Errorf("config: unknown persistence type %q", c.Simulator.Persistence.Type)
	}
	return nil
}

// CharBits is the number of bits one character takes on the line: start
// bit, data bits, parity bit when used, and stop bits.
func (s *SerialConfig) CharBits() int {
	bits := 1 + s.DataBits + s.StopBits
	if s.Parity != "" && s.Parity != "N" {
		bits++
	}
	return bits
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
