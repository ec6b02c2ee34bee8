package netstack

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultMTU               = 1500
	DefaultARPTableSize      = 8
	DefaultTxBuffers         = 8
	DefaultRxQueueLen        = 8
	DefaultReassemblyBuffers = 2
	DefaultReassemblySize    = 4096
	DefaultUDPListeners      = 4
	DefaultSockets           = 8
	DefaultARPProbes         = 3
	DefaultARPMaxAge         = 300
	DefaultARPGatewayRefresh = 60
	DefaultARPRefresh        = 10
	DefaultReassemblyTimeout = 5
	DefaultTimeWait          = 2
	DefaultFinWait2          = 10
)

// Config describes one interface instance. It is usually loaded from YAML.
type Config struct {
	// MAC is the station address, e.g. "02:00:00:00:00:01".
	MAC string `yaml:"mac"`
	// Address is the primary address in prefix form ("192.168.1.10/24").
	// It is ignored when DHCP is enabled.
	Address string `yaml:"address"`
	Gateway string `yaml:"gateway"`
	// Secondary is an optional second address in prefix form. It is only
	// used when EnableSecondary is set.
	Secondary       string `yaml:"secondary"`
	EnableSecondary bool   `yaml:"enableSecondary"`

	DHCP     bool   `yaml:"dhcp"`
	HostName string `yaml:"hostName"`

	// VLANID tags every transmitted frame when non-zero.
	VLANID uint16 `yaml:"vlanID"`
	MTU    int    `yaml:"mtu"`

	ARPTableSize         int `yaml:"arpTableSize"`
	ARPProbes            int `yaml:"arpProbes"`
	ARPMaxAgeSeconds     int `yaml:"arpMaxAgeSeconds"`
	ARPGatewayRefreshSec int `yaml:"arpGatewayRefreshSeconds"`
	ARPRefreshSeconds    int `yaml:"arpRefreshSeconds"`

	TxBuffers  int `yaml:"txBuffers"`
	RxQueueLen int `yaml:"rxQueueLen"`

	ReassemblyBuffers        int `yaml:"reassemblyBuffers"`
	ReassemblySize           int `yaml:"reassemblySize"`
	ReassemblyTimeoutSeconds int `yaml:"reassemblyTimeoutSeconds"`

	UDPListeners int `yaml:"udpListeners"`
	Sockets      int `yaml:"sockets"`

	TimeWaitSeconds int `yaml:"timeWaitSeconds"`
	FinWait2Seconds int `yaml:"finWait2Seconds"`
}

// DefaultConfig returns a configuration with every tunable set to its
// default and a locally administered MAC.
func DefaultConfig() Config {
	c := Config{MAC: "02:00:00:00:00:01", DHCP: true}
	c.applyDefaults()
	return c
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML, fills defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDefault(&c.MTU, DefaultMTU)
	setDefault(&c.ARPTableSize, DefaultARPTableSize)
	setDefault(&c.ARPProbes, DefaultARPProbes)
	setDefault(&c.ARPMaxAgeSeconds, DefaultARPMaxAge)
	setDefault(&c.ARPGatewayRefreshSec, DefaultARPGatewayRefresh)
	setDefault(&c.ARPRefreshSeconds, DefaultARPRefresh)
	setDefault(&c.TxBuffers, DefaultTxBuffers)
	setDefault(&c.RxQueueLen, DefaultRxQueueLen)
	setDefault(&c.ReassemblyBuffers, DefaultReassemblyBuffers)
	setDefault(&c.ReassemblySize, DefaultReassemblySize)
	setDefault(&c.ReassemblyTimeoutSeconds, DefaultReassemblyTimeout)
	setDefault(&c.UDPListeners, DefaultUDPListeners)
	setDefault(&c.Sockets, DefaultSockets)
	setDefault(&c.TimeWaitSeconds, DefaultTimeWait)
	setDefault(&c.FinWait2Seconds, DefaultFinWait2)
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.hardwareAddr(); err != nil {
		errs = append(errs, err)
	}
	if c.DHCP {
		if c.HostName != "" && !validHostName(c.HostName) {
			errs = append(errs, fmt.Errorf("hostName %q: %w", c.HostName, ErrInvalid))
		}
	} else {
		if _, err := parseAddress(c.Address); err != nil {
			errs = append(errs, fmt.Errorf("address: %w", err))
		}
	}
	if c.Gateway != "" {
		if a, err := netip.ParseAddr(c.Gateway); err != nil || !a.Is4() {
			errs = append(errs, fmt.Errorf("gateway %q: %w", c.Gateway, ErrInvalid))
		}
	}
	if c.EnableSecondary {
		if _, err := parseAddress(c.Secondary); err != nil {
			errs = append(errs, fmt.Errorf("secondary: %w", err))
		}
	}
	if c.VLANID > 4094 {
		errs = append(errs, fmt.Errorf("vlanID %d out of range: %w", c.VLANID, ErrInvalid))
	}
	if c.MTU < 576 || c.MTU > 9000 {
		errs = append(errs, fmt.Errorf("mtu %d out of range [576, 9000]: %w", c.MTU, ErrInvalid))
	}
	if c.ReassemblySize%8 != 0 || c.ReassemblySize > 65528 {
		errs = append(errs, fmt.Errorf("reassemblySize %d must be a multiple of 8 below 64KiB: %w", c.ReassemblySize, ErrInvalid))
	}
	for name, v := range map[string]int{
		"arpTableSize":      c.ARPTableSize,
		"txBuffers":         c.TxBuffers,
		"rxQueueLen":        c.RxQueueLen,
		"reassemblyBuffers": c.ReassemblyBuffers,
		"udpListeners":      c.UDPListeners,
		"sockets":           c.Sockets,
	} {
		if v < 1 || v > 1024 {
			errs = append(errs, fmt.Errorf("%s %d out of range [1, 1024]: %w", name, v, ErrInvalid))
		}
	}
	if c.ARPProbes < 0 {
		errs = append(errs, fmt.Errorf("arpProbes %d: %w", c.ARPProbes, ErrInvalid))
	}
	if c.ARPGatewayRefreshSec >= c.ARPMaxAgeSeconds {
		errs = append(errs, fmt.Errorf("arpGatewayRefreshSeconds must be below arpMaxAgeSeconds: %w", ErrInvalid))
	}
	return errors.Join(errs...)
}

func (c Config) hardwareAddr() (macAddr, error) {
	hw, err := net.ParseMAC(c.MAC)
	if err != nil {
		return macAddr{}, fmt.Errorf("mac %q: %w", c.MAC, err)
	}
	if len(hw) != 6 {
		return macAddr{}, fmt.Errorf("mac %q: not an EUI-48 address: %w", c.MAC, ErrInvalid)
	}
	m := macFrom(hw)
	if m.isMulticast() || m == macZero {
		return macAddr{}, fmt.Errorf("mac %q: not a unicast address: %w", c.MAC, ErrInvalid)
	}
	return m, nil
}

type ifAddr struct {
	ip   ipAddr
	mask ipAddr
}

func (a ifAddr) broadcast() ipAddr { return a.ip | ^a.mask }

func (a ifAddr) contains(ip ipAddr) bool { return a.ip != 0 && sameSubnet(a.ip, ip, a.mask) }

func parseAddress(s string) (ifAddr, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return ifAddr{}, err
	}
	if !p.Addr().Is4() || p.Bits() < 1 || p.Bits() > 30 {
		return ifAddr{}, fmt.Errorf("%q is not a usable IPv4 prefix: %w", s, ErrInvalid)
	}
	return ifAddr{ip: ipFromNetip(p.Addr()), mask: maskFromBits(p.Bits())}, nil
}

func (a ifAddr) prefix() netip.Prefix {
	if a.ip == 0 {
		return netip.Prefix{}
	}
	bits := 0
	for m := a.mask; m != 0; m <<= 1 {
		bits++
	}
	return netip.PrefixFrom(a.ip.netip(), bits)
}
