package frag

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds endpoint configuration data
type Config struct {
	Name    string      `yaml:"name"`
	Context interface{} `yaml:"-"`
	Index   int         `yaml:"index"`

	MaxPacketSize int `yaml:"max_packet_size"`
	FragmentAbove int `yaml:"fragment_above"`
	FragmentSize  int `yaml:"fragment_size"`
	// MaxFragments is the most parts a single group may be split into.
	MaxFragments int `yaml:"max_fragments"`
	// MaxInTransit is the number of reassembly buffers, i.e. how many
	// groups can be reassembled at once before the stalest is evicted.
	MaxInTransit int `yaml:"max_in_transit"`
	// CompletedHistorySize is how many recently completed group ids are
	// remembered so late duplicates can be dropped. Zero, the default,
	// disables it. Part 0 of a remembered id starts the group over.
	CompletedHistorySize int `yaml:"completed_history_size"`

	// TransmitPacketFunction is called once per tick with the next queued packet
	TransmitPacketFunction func(context interface{}, index int, groupID uint16, packetData []byte) `yaml:"-"`
	// ProcessPacketFunction is called by ReceivePacket once a fully assembled packet is received
	ProcessPacketFunction func(context interface{}, index int, groupID uint16, packetData []byte) `yaml:"-"`
}

// NewDefaultConfig creates a typical endpoint configuration
func NewDefaultConfig() *Config {
	return &Config{
		Name:          "endpoint",
		MaxPacketSize: 16 * 1024,
		FragmentAbove: 1024,
		FragmentSize:  1024,
		MaxFragments:  16,
		MaxInTransit:  64,
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.MaxInTransit < 1 {
		return errors.Errorf("max_in_transit must be at least 1, got %d", c.MaxInTransit)
	}
	if c.MaxFragments < 1 || c.MaxFragments > 0xFFFF {
		return errors.Errorf("max_fragments must be in [1, 65535], got %d", c.MaxFragments)
	}
	if c.FragmentSize < 1 {
		return errors.Errorf("fragment_size must be positive, got %d", c.FragmentSize)
	}
	if c.FragmentAbove < 0 || c.FragmentAbove > c.MaxPacketSize {
		return errors.Errorf("fragment_above %d outside of [0, max_packet_size %d]", c.FragmentAbove, c.MaxPacketSize)
	}
	if c.MaxPacketSize > c.MaxFragments*c.FragmentSize {
		return errors.Errorf("max_packet_size %d cannot be split into %d fragments of %d bytes", c.MaxPacketSize, c.MaxFragments, c.FragmentSize)
	}
	if c.CompletedHistorySize < 0 || c.CompletedHistorySize > 0x4000 {
		return errors.Errorf("completed_history_size must be in [0, 16384], got %d", c.CompletedHistorySize)
	}
	return nil
}
