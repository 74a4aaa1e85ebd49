package stack

import (
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/ustcp"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTickInterval = 10 * time.Millisecond
	DefaultRSTRate      = 50
	DefaultClosedMemory = 256
)

// InterfaceConfig describes a network interface. Addr is the interface's
// address with the prefix length of the directly connected network, i.e: "10.0.0.1/24".
type InterfaceConfig struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

// RouteConfig describes a static route. A prefix of "0.0.0.0/0" is the default route.
type RouteConfig struct {
	Prefix    string `yaml:"prefix"`
	Interface string `yaml:"interface"`
	Via       string `yaml:"via,omitempty"`
}

// ConnConfig holds per connection parameters. Zero values take the defaults of package ustcp.
type ConnConfig struct {
	RecvCapacity int           `yaml:"recv_capacity"`
	SendCapacity int           `yaml:"send_capacity"`
	InitialRTO   time.Duration `yaml:"initial_rto"`
	MaxRetx      int           `yaml:"max_retx"`
	MaxPayload   int           `yaml:"max_payload"`
}

// Config configures a [Stack].
type Config struct {
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Routes     []RouteConfig     `yaml:"routes"`
	// TickInterval is the period of the timer driving retransmissions and lingering.
	TickInterval time.Duration `yaml:"tick_interval"`
	Conn         ConnConfig    `yaml:"conn"`
	// RSTRate limits RSTs sent in response to unexpected segments, per second.
	RSTRate  float64 `yaml:"rst_rate"`
	RSTBurst int     `yaml:"rst_burst"`
	// ClosedMemory is the amount of recently closed connections remembered
	// to tell late segments apart from unknown ones.
	ClosedMemory int          `yaml:"closed_memory"`
	Logger       *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading stack config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing stack config %s", path)
	}
	return cfg, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RSTRate <= 0 {
		cfg.RSTRate = DefaultRSTRate
	}
	if cfg.RSTBurst <= 0 {
		cfg.RSTBurst = int(cfg.RSTRate)
	}
	if cfg.ClosedMemory <= 0 {
		cfg.ClosedMemory = DefaultClosedMemory
	}
	return cfg
}

func (cc ConnConfig) connConfig(iss ustcp.Value, logger *slog.Logger) ustcp.Config {
	return ustcp.Config{
		ISN:          iss,
		RecvCapacity: cc.RecvCapacity,
		SendCapacity: cc.SendCapacity,
		InitialRTO:   cc.InitialRTO,
		MaxRetx:      cc.MaxRetx,
		MaxPayload:   cc.MaxPayload,
		Logger:       logger,
	}
}

// parse validates interface and route configuration.
func (cfg *Config) parse() (ifaces []Interface, routes []Route, err error) {
	for _, ic := range cfg.Interfaces {
		prefix, err := netip.ParsePrefix(ic.Addr)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "interface %q", ic.Name)
		}
		if !prefix.Addr().Is4() {
			return nil, nil, errors.Errorf("interface %q: only IPv4 supported", ic.Name)
		}
		ifaces = append(ifaces, Interface{Name: ic.Name, Addr: prefix.Addr(), Network: prefix.Masked()})
	}
	for _, rc := range cfg.Routes {
		prefix, err := netip.ParsePrefix(rc.Prefix)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "route %q", rc.Prefix)
		}
		r := Route{Prefix: prefix.Masked(), Interface: rc.Interface}
		if rc.Via != "" {
			r.Via, err = netip.ParseAddr(rc.Via)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "route %q gateway", rc.Prefix)
			}
		}
		routes = append(routes, r)
	}
	return ifaces, routes, nil
}
