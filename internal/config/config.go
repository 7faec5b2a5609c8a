package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/grid"
	"github.com/sells-group/oev-cli/internal/trips"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = eris.New("config: invalid")

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Shard    ShardConfig    `yaml:"shard" mapstructure:"shard"`
	OEV      OEVConfig      `yaml:"oev" mapstructure:"oev"`
	GTFS     GTFSConfig     `yaml:"gtfs" mapstructure:"gtfs"`
	Areas    AreasConfig    `yaml:"areas" mapstructure:"areas"`
}

// StoreConfig selects the run store backend. The postgres driver shares
// the database pool.
type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// DatabaseConfig points at the PostGIS database the engine works in.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Pool returns the pgx pool sizing.
func (d DatabaseConfig) Pool() db.PoolConfig {
	return db.PoolConfig{MaxConns: d.MaxConns, MinConns: d.MinConns}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the result API and tile server.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	TileCacheSize    int      `yaml:"tile_cache_size" mapstructure:"tile_cache_size"`
	TileCacheTTLSecs int      `yaml:"tile_cache_ttl_secs" mapstructure:"tile_cache_ttl_secs"`
	BasemapURL       string   `yaml:"basemap_url" mapstructure:"basemap_url"`
}

// ShardConfig configures the grid sharder.
type ShardConfig struct {
	Level       int    `yaml:"level" mapstructure:"level"`
	MaxVertices int    `yaml:"max_vertices" mapstructure:"max_vertices"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	Placement   string `yaml:"placement" mapstructure:"placement"`
}

// GridLevel is Level as a grid.Level.
func (s ShardConfig) GridLevel() grid.Level { return grid.Level(s.Level) }

// OEVConfig configures classification runs.
type OEVConfig struct {
	StationConfig   string  `yaml:"station_config" mapstructure:"station_config"`
	Window          string  `yaml:"window" mapstructure:"window"`
	DayType         string  `yaml:"day_type" mapstructure:"day_type"`
	Workers         int     `yaml:"workers" mapstructure:"workers"`
	MaxAreaFeatures int     `yaml:"max_area_features" mapstructure:"max_area_features"`
	MaxAreaKm2      float64 `yaml:"max_area_km2" mapstructure:"max_area_km2"`
}

// Limits returns the reference-area limits of a count.
func (o OEVConfig) Limits() trips.Limits {
	return trips.Limits{MaxFeatures: o.MaxAreaFeatures, MaxAreaKm2: o.MaxAreaKm2}
}

// GTFSConfig configures feed imports.
type GTFSConfig struct {
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// AreasConfig configures reference-area loading.
type AreasConfig struct {
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
	NameField string `yaml:"name_field" mapstructure:"name_field"`
}

// Scope names the part of the configuration a command depends on.
type Scope string

// Validation scopes.
const (
	ScopeDatabase Scope = "database"
	ScopeStore    Scope = "store"
	ScopeShard    Scope = "shard"
	ScopeOEV      Scope = "oev"
	ScopeServer   Scope = "server"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "oev.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.tile_cache_size", 2048)
	v.SetDefault("server.tile_cache_ttl_secs", 300)
	v.SetDefault("server.basemap_url", "")
	v.SetDefault("shard.level", int(grid.DefaultLevel))
	v.SetDefault("shard.max_vertices", 30)
	v.SetDefault("shard.concurrency", 4)
	v.SetDefault("shard.placement", "none")
	v.SetDefault("oev.station_config", "")
	v.SetDefault("oev.window", "06:00-20:00")
	v.SetDefault("oev.day_type", string(trips.DayWeekday))
	v.SetDefault("oev.workers", 0)
	v.SetDefault("oev.max_area_features", 1000)
	v.SetDefault("oev.max_area_km2", 500000)
	v.SetDefault("gtfs.temp_dir", "/tmp/oev/gtfs")
	v.SetDefault("areas.temp_dir", "/tmp/oev/areas")
	v.SetDefault("areas.name_field", "NAME")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys the given scopes depend on.
func (c *Config) Validate(scopes ...Scope) error {
	for _, s := range scopes {
		var err error
		switch s {
		case ScopeDatabase:
			err = c.validateDatabase()
		case ScopeStore:
			err = c.validateStore()
		case ScopeShard:
			err = c.validateShard()
		case ScopeOEV:
			err = c.validateOEV()
		case ScopeServer:
			err = c.validateServer()
		default:
			err = eris.Wrapf(ErrInvalidConfig, "unknown scope %q", s)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return eris.Wrap(ErrInvalidConfig, "database.url is required (OEV_DATABASE_URL)")
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		return eris.Wrapf(ErrInvalidConfig, "database.min_conns %d exceeds max_conns %d", c.Database.MinConns, c.Database.MaxConns)
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "postgres":
		return c.validateDatabase()
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return eris.Wrap(ErrInvalidConfig, "store.sqlite_path is required for the sqlite driver")
		}
		return nil
	default:
		return eris.Wrapf(ErrInvalidConfig, "store.driver %q must be postgres or sqlite", c.Store.Driver)
	}
}

func (c *Config) validateShard() error {
	if err := grid.ValidateLevel(c.Shard.GridLevel()); err != nil {
		return eris.Wrapf(ErrInvalidConfig, "shard.level: %v", err)
	}
	if c.Shard.MaxVertices < 5 {
		return eris.Wrapf(ErrInvalidConfig, "shard.max_vertices %d below 5", c.Shard.MaxVertices)
	}
	if c.Shard.Placement != "none" && c.Shard.Placement != "citus" {
		return eris.Wrapf(ErrInvalidConfig, "shard.placement %q must be none or citus", c.Shard.Placement)
	}
	return nil
}

func (c *Config) validateOEV() error {
	if err := grid.ValidateLevel(c.Shard.GridLevel()); err != nil {
		return eris.Wrapf(ErrInvalidConfig, "shard.level: %v", err)
	}
	if _, err := trips.ParseTimeWindow(c.OEV.Window); err != nil {
		return eris.Wrapf(ErrInvalidConfig, "oev.window: %v", err)
	}
	if _, err := trips.DayType(c.OEV.DayType).Weekday(); err != nil {
		return eris.Wrapf(ErrInvalidConfig, "oev.day_type: %v", err)
	}
	if c.OEV.MaxAreaFeatures < 0 || c.OEV.MaxAreaKm2 < 0 {
		return eris.Wrap(ErrInvalidConfig, "oev.max_area_features and oev.max_area_km2 must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return eris.Wrapf(ErrInvalidConfig, "server.port %d out of range", c.Server.Port)
	}
	if c.Server.TileCacheSize <= 0 {
		return eris.Wrapf(ErrInvalidConfig, "server.tile_cache_size %d must be positive", c.Server.TileCacheSize)
	}
	if u := c.Server.BasemapURL; u != "" && !(strings.Contains(u, "{z}") && strings.Contains(u, "{x}") && strings.Contains(u, "{y}")) {
		return eris.Wrapf(ErrInvalidConfig, "server.basemap_url %q needs {z}, {x} and {y} placeholders", u)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
