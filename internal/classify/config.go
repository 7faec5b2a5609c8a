package classify

import (
	_ "embed"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/oev-cli/internal/trips"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrInvalidConfig wraps every configuration problem found by Validate.
var ErrInvalidConfig = eris.New("classify: invalid station config")

// Class is a service-quality class. Smaller is better.
type Class int

// Unclassified marks stations whose service is absent or too infrequent.
const Unclassified Class = 999

// Radius is a buffer distance in metres.
type Radius int

// Group is a mode-priority group. Groups are totally ordered by Priority,
// which is their position in the configuration (0 is best).
type Group struct {
	Name     string
	Priority int
}

// Better reports whether g takes precedence over o.
func (g Group) Better(o Group) bool { return g.Priority < o.Priority }

// GroupConfig assigns transit modes to a named group.
type GroupConfig struct {
	Name  string       `yaml:"name" json:"name" validate:"required"`
	Modes []trips.Mode `yaml:"modes" json:"modes" validate:"required,min=1"`
}

// Config is the station classification table.
type Config struct {
	Groups            []GroupConfig              `yaml:"groups" json:"groups" validate:"required,min=1,dive"`
	DefaultThresholds []float64                  `yaml:"default_thresholds" json:"default_thresholds" validate:"required,min=1"`
	Thresholds        map[string][]float64       `yaml:"thresholds" json:"thresholds,omitempty" validate:"omitempty,dive,min=1"`
	Categories        []map[string]Class         `yaml:"categories" json:"categories" validate:"required,min=1"`
	Classification    map[Class]map[Radius]Class `yaml:"classification" json:"classification" validate:"required,min=1"`

	byMode map[trips.Mode]Group
}

// DefaultConfig returns the embedded reference table.
func DefaultConfig() *Config {
	cfg, err := Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads and validates a YAML station config. An empty path
// selects the embedded default.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML station config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrapf(ErrInvalidConfig, "decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config and builds the mode index used by Classify.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrapf(ErrInvalidConfig, "%v", err)
	}

	groups := make(map[string]Group, len(c.Groups))
	byMode := make(map[trips.Mode]Group)
	for i, gc := range c.Groups {
		if _, dup := groups[gc.Name]; dup {
			return eris.Wrapf(ErrInvalidConfig, "group %q listed twice", gc.Name)
		}
		g := Group{Name: gc.Name, Priority: i}
		groups[gc.Name] = g
		for _, m := range gc.Modes {
			if prev, dup := byMode[m]; dup {
				return eris.Wrapf(ErrInvalidConfig, "mode %d in groups %q and %q", m, prev.Name, gc.Name)
			}
			byMode[m] = g
		}
	}

	if err := checkThresholds("default", c.DefaultThresholds); err != nil {
		return err
	}
	for name, th := range c.Thresholds {
		if _, ok := groups[name]; !ok {
			return eris.Wrapf(ErrInvalidConfig, "thresholds for unknown group %q", name)
		}
		if err := checkThresholds(name, th); err != nil {
			return err
		}
	}
	for i, row := range c.Categories {
		for name, class := range row {
			if _, ok := groups[name]; !ok {
				return eris.Wrapf(ErrInvalidConfig, "category row %d names unknown group %q", i, name)
			}
			if class <= 0 || class == Unclassified {
				return eris.Wrapf(ErrInvalidConfig, "category row %d has invalid class %d", i, class)
			}
		}
	}
	for class, radii := range c.Classification {
		if class <= 0 || class == Unclassified {
			return eris.Wrapf(ErrInvalidConfig, "classification has invalid class %d", class)
		}
		for r, zone := range radii {
			if r < 0 {
				return eris.Wrapf(ErrInvalidConfig, "class %d has negative radius %d", class, r)
			}
			if zone <= 0 || zone == Unclassified {
				return eris.Wrapf(ErrInvalidConfig, "class %d radius %d has invalid zone class %d", class, r, zone)
			}
		}
	}

	c.byMode = byMode
	return nil
}

func checkThresholds(name string, th []float64) error {
	for i := 1; i < len(th); i++ {
		if th[i] < th[i-1] {
			return eris.Wrapf(ErrInvalidConfig, "%s thresholds decrease at position %d", name, i+1)
		}
	}
	return nil
}

// GroupOf returns the group a mode belongs to.
func (c *Config) GroupOf(m trips.Mode) (Group, bool) {
	if c.byMode != nil {
		g, ok := c.byMode[m]
		return g, ok
	}
	for i, gc := range c.Groups {
		for _, gm := range gc.Modes {
			if gm == m {
				return Group{Name: gc.Name, Priority: i}, true
			}
		}
	}
	return Group{}, false
}

// ThresholdsFor returns the ascending bucket bounds of a group.
func (c *Config) ThresholdsFor(g Group) []float64 {
	if th, ok := c.Thresholds[g.Name]; ok {
		return th
	}
	return c.DefaultThresholds
}

// Radii returns the buffer radii configured for a station class, ascending.
func (c *Config) Radii(class Class) []Radius {
	radii := make([]Radius, 0, len(c.Classification[class]))
	for r := range c.Classification[class] {
		radii = append(radii, r)
	}
	sort.Slice(radii, func(i, j int) bool { return radii[i] < radii[j] })
	return radii
}
