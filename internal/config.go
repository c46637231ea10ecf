package internal

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tuannm99/novads/internal/backend"
)

// EnvPrefix prefixes environment overrides: NOVADS_SERVER_ADDR overrides
// server.addr.
const EnvPrefix = "NOVADS"

type NovaDSConfig struct {
	AppName string `mapstructure:"app_name"`

	Server struct {
		Addr        string `mapstructure:"addr"`
		MetricsAddr string `mapstructure:"metrics_addr"`
		Debug       bool   `mapstructure:"debug"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Backends []backend.Config `mapstructure:"backends"`

	Cache struct {
		MaxBytes    int64         `mapstructure:"max_bytes"`
		Dir         string        `mapstructure:"dir"`
		SpillBytes  int64         `mapstructure:"spill_bytes"`
		EstimateTTL time.Duration `mapstructure:"estimate_ttl"`
	} `mapstructure:"cache"`

	Datasets []DatasetConfig `mapstructure:"datasets"`
}

// DatasetConfig declares one data set: its pipe, how updates are grouped
// into transactions and how its results are cached.
type DatasetConfig struct {
	Name string `mapstructure:"name"`
	// Kind is query or update.
	Kind string `mapstructure:"kind"`

	Tables    []TableConfig   `mapstructure:"tables"`
	Mappings  []MappingConfig `mapstructure:"mappings"`
	Selection []MappingConfig `mapstructure:"selection"`
	Joins     []JoinConfig    `mapstructure:"joins"`

	Keys      []string `mapstructure:"keys"`
	Updatable []string `mapstructure:"updatable"`
	Actions   []string `mapstructure:"actions"`

	Granularity string       `mapstructure:"granularity"`
	N           int          `mapstructure:"n"`
	Action      ActionConfig `mapstructure:"action"`
	RowPath     string       `mapstructure:"row_path"`

	Cache *DatasetCacheConfig `mapstructure:"cache"`
	// FlushOnUpdate names update data sets whose successful execution
	// clears this data set's cache.
	FlushOnUpdate []string `mapstructure:"flush_on_update"`

	Metadata []TableMetaConfig `mapstructure:"metadata"`
}

type TableConfig struct {
	Alias   string `mapstructure:"alias"`
	Name    string `mapstructure:"name"`
	Backend string `mapstructure:"backend"`
}

// MappingConfig binds "alias.column" to an extractor spec like "node:@id".
type MappingConfig struct {
	Column   string `mapstructure:"column"`
	Value    string `mapstructure:"value"`
	Iterator string `mapstructure:"iterator"`
	Output   string `mapstructure:"output"`
}

type JoinConfig struct {
	Left  string `mapstructure:"left"`
	Right string `mapstructure:"right"`
	Type  string `mapstructure:"type"`
}

// ActionConfig selects the action of each row. Discriminator values are a
// list rather than a map because configuration keys are case-folded.
type ActionConfig struct {
	Fixed  string                `mapstructure:"fixed"`
	Field  string                `mapstructure:"field"`
	Values []DiscriminatorConfig `mapstructure:"values"`
}

type DiscriminatorConfig struct {
	Value  string `mapstructure:"value"`
	Action string `mapstructure:"action"`
}

type DatasetCacheConfig struct {
	Mode     string        `mapstructure:"mode"`
	At       string        `mapstructure:"at"`
	Interval time.Duration `mapstructure:"interval"`
	Rows     []string      `mapstructure:"rows"`
	Document []string      `mapstructure:"document"`
	Page     []string      `mapstructure:"page"`
}

// TableMetaConfig describes a table for back-ends whose catalog cannot be
// read, or overrides what the catalog reports.
type TableMetaConfig struct {
	Backend     string             `mapstructure:"backend"`
	Table       string             `mapstructure:"table"`
	PrimaryKey  []string           `mapstructure:"primary_key"`
	AutoUpdate  []string           `mapstructure:"auto_update"`
	ForeignKeys []ForeignKeyConfig `mapstructure:"foreign_keys"`
	RowEstimate int64              `mapstructure:"row_estimate"`
}

type ForeignKeyConfig struct {
	Columns    []string `mapstructure:"columns"`
	RefTable   string   `mapstructure:"ref_table"`
	RefColumns []string `mapstructure:"ref_columns"`
}

// NewViper returns a viper instance with defaults and environment overrides
// set up, ready for flag binding before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_name", "novads")
	v.SetDefault("server.addr", "127.0.0.1:8866")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cache.max_bytes", int64(64<<20))
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.spill_bytes", int64(1<<20))
	v.SetDefault("cache.estimate_ttl", 10*time.Minute)
	return v
}

func LoadConfig(path string) (*NovaDSConfig, error) {
	return Load(NewViper(), path)
}

// Load reads path into v and decodes the result. An empty path decodes
// defaults and environment only.
func Load(v *viper.Viper, path string) (*NovaDSConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg NovaDSConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks what can be checked without touching a back-end. Data-set
// mappings are validated when the data sets are loaded.
func (c *NovaDSConfig) Validate() error {
	backends := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New("config: back-end without a name")
		}
		if backends[b.Name] {
			return errors.Errorf("config: back-end %q declared twice", b.Name)
		}
		backends[b.Name] = true
	}

	datasets := make(map[string]bool, len(c.Datasets))
	for _, d := range c.Datasets {
		if d.Name == "" {
			return errors.New("config: data set without a name")
		}
		if datasets[d.Name] {
			return errors.Errorf("config: data set %q declared twice", d.Name)
		}
		datasets[d.Name] = true

		for _, t := range d.Tables {
			if !backends[t.Backend] {
				return errors.Errorf("config: data set %q: table %q uses unknown back-end %q", d.Name, t.Name, t.Backend)
			}
		}
	}
	for _, d := range c.Datasets {
		for _, f := range d.FlushOnUpdate {
			if !datasets[f] {
				return errors.Errorf("config: data set %q flushes on unknown data set %q", d.Name, f)
			}
		}
	}
	if c.Cache.MaxBytes < 0 || c.Cache.SpillBytes < 0 {
		return errors.New("config: cache sizes must not be negative")
	}
	return nil
}

// Dataset returns the named data set.
func (c *NovaDSConfig) Dataset(name string) (DatasetConfig, bool) {
	for _, d := range c.Datasets {
		if d.Name == name {
			return d, true
		}
	}
	return DatasetConfig{}, false
}
