package config

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultFile           string        = "config.yaml"
	defaultAddress        string        = "0.0.0.0:9999"
	defautMaxBufferSize   int           = 1600
	defaultLogLevel       string        = "info"
	defaultTCPIdleTimeout time.Duration = 15 * time.Minute
	defaultUDPIdleTimeout time.Duration = 30 * time.Second
)

// Tun configures an optional TUN interface as a second packet source.
type Tun struct {
	Name    string `yaml:"name"`
	MTU     int    `yaml:"mtu"`
	Address string `yaml:"address"`
}

type Config struct {
	MaxBufferSize int    `yaml:"maxBufferSize"`
	Address       string `yaml:"address"`
	LogLevel      string `yaml:"logLevel"`

	TCPIdleTimeout time.Duration `yaml:"tcpIdleTimeout"`
	UDPIdleTimeout time.Duration `yaml:"udpIdleTimeout"`

	// Local endpoints the switch accepts flows on, as ip:port. TCP listeners
	// may use the any-address, UDP listeners may not.
	TCPListen []string `yaml:"tcpListen"`
	UDPListen []string `yaml:"udpListen"`

	Tun *Tun `yaml:"tun"`
}

func newWithDefaults() *Config {
	config := &Config{}
	ApplyDefaults(config)
	return config
}

func ApplyDefaults(config *Config) {
	if config.MaxBufferSize == 0 {
		config.MaxBufferSize = defautMaxBufferSize
	}
	if config.Address == "" {
		config.Address = defaultAddress
	}
	if config.LogLevel == "" {
		config.LogLevel = defaultLogLevel
	}
	if config.TCPIdleTimeout == 0 {
		config.TCPIdleTimeout = defaultTCPIdleTimeout
	}
	if config.UDPIdleTimeout == 0 {
		config.UDPIdleTimeout = defaultUDPIdleTimeout
	}
}

// Parse decodes a yaml document and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config - err: %w", err)
	}
	ApplyDefaults(&config)
	return &config, config.Validate()
}

func Load(filename string) (*Config, error) {
	configFile, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %v - err: %w", filename, err)
	}
	config, err := Parse(configFile)
	if err != nil {
		return nil, fmt.Errorf("config file %v: %w", filename, err)
	}
	return config, nil
}

func FromCmdline() (*Config, error) {
	return fromArgs(os.Args[1:])
}

func fromArgs(args []string) (*Config, error) {
	flags := flag.NewFlagSet("uswitch", flag.ContinueOnError)
	filename := flags.String("conf", defaultFile, "Default config file")
	err := flags.Parse(args)
	if err != nil {
		return nil, err
	}

	config, err := Load(*filename)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Parsed config from command line: %+v", *config)
	return config, nil
}

// Validate checks the fields that are only interpreted later.
func (c *Config) Validate() error {
	if c.MaxBufferSize < 40 {
		return fmt.Errorf("maxBufferSize %v is too small", c.MaxBufferSize)
	}
	if c.TCPIdleTimeout < 0 || c.UDPIdleTimeout < 0 {
		return fmt.Errorf("negative idle timeout tcp=%v udp=%v", c.TCPIdleTimeout, c.UDPIdleTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.TCPListenAddrs(); err != nil {
		return err
	}
	_, err := c.UDPListenAddrs()
	return err
}

func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return level, fmt.Errorf("invalid logLevel: %w", err)
	}
	return level, nil
}

func (c *Config) TCPListenAddrs() ([]netip.AddrPort, error) {
	return parseAddrs("tcpListen", c.TCPListen)
}

func (c *Config) UDPListenAddrs() ([]netip.AddrPort, error) {
	return parseAddrs("udpListen", c.UDPListen)
}

func parseAddrs(field string, addrs []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			return nil, fmt.Errorf("invalid %v entry %q: %w", field, a, err)
		}
		out = append(out, ap)
	}
	return out, nil
}
