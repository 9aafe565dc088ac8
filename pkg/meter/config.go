package meter

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/raterudder/energycost/pkg/types"
	"gopkg.in/yaml.v3"
)

// File is the layout of the meters config file.
type File struct {
	Meters []types.MeterConfig `yaml:"meters"`
}

// LoadFile reads and validates the meters config file at path.
func LoadFile(path string) ([]types.MeterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read meters config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML meters config and validates every meter. Meter
// names default to one derived from the consumption sensor and must be unique.
func ParseConfig(data []byte) ([]types.MeterConfig, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: failed to parse meters config: %v", types.ErrConfiguration, err)
	}
	if len(f.Meters) == 0 {
		return nil, fmt.Errorf("%w: no meters configured", types.ErrConfiguration)
	}
	seen := make(map[string]bool, len(f.Meters))
	for i := range f.Meters {
		cfg, err := normalize(f.Meters[i])
		if err != nil {
			return nil, fmt.Errorf("meter %d: %w", i, err)
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("%w: duplicate meter name %q", types.ErrConfiguration, cfg.Name)
		}
		seen[cfg.Name] = true
		f.Meters[i] = cfg
	}
	return f.Meters, nil
}

// normalize validates cfg and fills in its name.
func normalize(cfg types.MeterConfig) (types.MeterConfig, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName(cfg)
	}
	cfg.Name = slug(cfg.Name)
	if cfg.Name == "" {
		return cfg, fmt.Errorf("%w: meter name is empty", types.ErrConfiguration)
	}
	return cfg, nil
}

// DefaultName derives a meter name from the object id of the consumption
// sensor with the words "power" and "energy" removed, so sensor.heat_pump_power
// becomes heat_pump.
func DefaultName(cfg types.MeterConfig) string {
	_, object, _ := strings.Cut(cfg.Source(), ".")
	var parts []string
	for _, word := range strings.Split(object, "_") {
		switch strings.ToLower(word) {
		case "", "power", "energy":
			continue
		}
		parts = append(parts, word)
	}
	if len(parts) == 0 {
		return object
	}
	return strings.Join(parts, "_")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// FriendlyName turns a meter name into title-cased words.
func FriendlyName(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// RateEntityID returns the entity the meter's cost rate is published as.
func RateEntityID(name string) string {
	return "sensor." + name + "_real_time_energy_cost"
}

// TotalEntityID returns the entity the meter's total for interval is published
// as. It is also the key the total is persisted under.
func TotalEntityID(name string, interval types.Interval) string {
	return "sensor." + name + "_" + string(interval) + "_energy_cost"
}
