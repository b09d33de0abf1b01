package rtps

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Well-known RTPS/DDS UDP port offsets, straight from the RTPS spec.
const (
	portPB = 7400 // base port
	portDG = 250  // per-domain gain
	portPG = 2    // per-participant gain
	portD0 = 0    // offset: builtin multicast
	portD1 = 10   // offset: builtin unicast
	portD2 = 1    // offset: user multicast
	portD3 = 11   // offset: user unicast
)

// Config is the process-wide, read-only-after-init configuration record:
// one instance, built once at startup and passed by reference from the
// Participant constructor. It loads from an optional TOML file
// (github.com/BurntSushi/toml) and otherwise falls back to hard-coded
// defaults.
type Config struct {
	DomainID       uint32 `toml:"domain_id"`
	ParticipantID  int    `toml:"participant_id"`
	InterfaceName  string `toml:"interface_name"`
	MulticastGroup string `toml:"multicast_group"`

	NumWriters             int `toml:"num_writers"`
	NumReaders             int `toml:"num_readers"`
	MaxRemoteParticipants  int `toml:"max_remote_participants"`
	MaxMatchedProxies      int `toml:"max_matched_proxies"`
	MaxLocatorsPerList     int `toml:"max_locators_per_list"`
	HistoryCacheSize       int `toml:"history_cache_size"`

	SPDPResendPeriod      time.Duration `toml:"spdp_resend_period"`
	SPDPCycleCountHB      int           `toml:"spdp_cyclecount_heartbeat"`
	LeaseDuration         time.Duration `toml:"lease_duration"`
	MaxRemoteLeaseDuration time.Duration `toml:"max_remote_lease_duration"`
	HeartbeatPeriod       time.Duration `toml:"heartbeat_period"`

	ScratchBufferSize int `toml:"scratch_buffer_size"`
}

// DefaultConfig returns the baseline defaults: one-second SPDP resend,
// domain 0, a 100s lease duration, and conservative locator-list sizing.
func DefaultConfig() Config {
	return Config{
		DomainID:               0,
		ParticipantID:          0,
		MulticastGroup:         "239.255.0.1",
		NumWriters:             8,
		NumReaders:             8,
		MaxRemoteParticipants:  16,
		MaxMatchedProxies:      8,
		MaxLocatorsPerList:     4,
		HistoryCacheSize:       32,
		SPDPResendPeriod:       time.Second,
		SPDPCycleCountHB:       10,
		LeaseDuration:          100 * time.Second,
		MaxRemoteLeaseDuration: 100 * time.Second,
		HeartbeatPeriod:        3 * time.Second,
		ScratchBufferSize:      2048,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig; a missing file is
// not an error, it just leaves the defaults in place.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "rtps: decoding config %q", path)
	}
	return cfg, nil
}

func (c *Config) mcastBuiltinPort() uint16 {
	return uint16(portPB + portDG*c.DomainID + portD0)
}

func (c *Config) ucastBuiltinPort() uint16 {
	return uint16(portPB + portDG*c.DomainID + portD1 + portPG*uint32(c.ParticipantID))
}

func (c *Config) mcastUserPort() uint16 {
	return uint16(portPB + portDG*c.DomainID + portD2)
}

func (c *Config) ucastUserPort() uint16 {
	return uint16(portPB + portDG*c.DomainID + portD3 + portPG*uint32(c.ParticipantID))
}
