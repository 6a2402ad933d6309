package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	serviceconfig "github.com/IMQS/serviceconfigsgo"
	"github.com/pelletier/go-toml/v2"
)

/*
Sample config

If you don't specify logfiles, then stderr is used for the Error log,
and stdout is used for the Access log.

If Database.Alias is set, then the connection details come from the service config
DB aliases, and the remaining Database fields (other than the connection limits) are ignored.

{
	"VerboseLogging": false,
	"HTTP": {
		"Bind": "",
		"Port": "2008"
	},
	"Log": {
		"ErrorFile": "/var/log/imqs-recordsearch/error.log",
		"AccessFile": "/var/log/imqs-recordsearch/access.log"
	},
	"Database": {
		"Driver":        "postgres",
		"Host":          "127.0.0.1",
		"Database":      "records",
		"User":          "imqs",
		"Password":      "password",
		"MaxIdleConns":  4,
		"MaxOpenConns":  16
	},
	"Cache": {
		"Backend": "redis",              -- memory, redis or database
		"Shards":  16,                   -- memory backend only
		"FlushAt": "02:00",              -- daily flush. Leave empty to disable.
		"Redis": {
			"Addr":      "127.0.0.1:6379",
			"KeyPrefix": "recordsearch"
		}
	},
	"Search": {
		"TimeoutSeconds":  30,
		"DefaultPageSize": 50
	}
}

The same structure can be written as TOML, in which case the config file name must end in .toml.
*/

const (
	serviceConfigFileName = "recordsearch.json"
	serviceConfigVersion  = 1
	serviceName           = "ImqsRecordSearch"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite3"

	cacheBackendMemory   = "memory"
	cacheBackendRedis    = "redis"
	cacheBackendDatabase = "database"

	defaultCacheShards        = 16
	defaultRedisKeyPrefix     = "recordsearch"
	defaultRedisDialTimeout   = 5
	defaultSearchTimeout      = 30
	defaultSearchPageSize     = 50
	maxSearchPageSize         = 1000
	defaultSQLiteMaxOpenConns = 1
	flushAtLayout             = "15:04"
)

var errNoDatabase = errors.New("No database configured. Set either Database.Alias or Database.Driver")

type ConfigHttp struct {
	Bind string `toml:"bind"`
	Port string `toml:"port"`
}

type ConfigLog struct {
	ErrorFile  string `toml:"error_file"`
	AccessFile string `toml:"access_file"`
}

type ConfigDatabase struct {
	Alias    string `json:",omitempty" toml:"alias"`
	Driver   string `json:",omitempty" toml:"driver"`
	Host     string `json:",omitempty" toml:"host"`
	Database string `json:",omitempty" toml:"database"` // For sqlite3, this is the path of the database file
	User     string `json:",omitempty" toml:"user"`
	Password string `json:",omitempty" toml:"password"`
	Port     uint16 `json:",omitempty" toml:"port"`

	MaxIdleConns int `json:",omitempty" toml:"max_idle_conns"`
	MaxOpenConns int `json:",omitempty" toml:"max_open_conns"`
}

func (c *ConfigDatabase) DSN() string {
	if c.Driver == driverSQLite {
		return c.Database
	}
	conStr := fmt.Sprintf("host=%v user=%v password=%v dbname=%v sslmode=disable", c.Host, c.User, c.Password, c.Database)
	if c.Port != 0 {
		conStr += fmt.Sprintf(" port=%v", c.Port)
	}
	return conStr
}

type ConfigRedis struct {
	Addr               string `toml:"addr"`
	Password           string `json:",omitempty" toml:"password"`
	DB                 int    `toml:"db"`
	KeyPrefix          string `toml:"key_prefix"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

type ConfigCache struct {
	Backend string      `toml:"backend"`
	Shards  int         `toml:"shards"`
	FlushAt string      `toml:"flush_at"` // Time of day (HH:MM) at which the whole cache is flushed. Empty disables the scheduled flush.
	Redis   ConfigRedis `toml:"redis"`
}

type ConfigSearch struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	DefaultPageSize int `toml:"default_page_size"`
}

type Config struct {
	VerboseLogging bool           `toml:"verbose_logging"`
	HTTP           ConfigHttp     `toml:"http"`
	Log            ConfigLog      `toml:"log"`
	Database       ConfigDatabase `toml:"database"`
	Cache          ConfigCache    `toml:"cache"`
	Search         ConfigSearch   `toml:"search"`
}

// LoadFile reads the config from a file, or from the config service if filename is empty.
// A filename ending in .toml is read as TOML.
func (c *Config) LoadFile(filename string) error {
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("Could not read config file %v: %w", filename, err)
		}
		if err := toml.Unmarshal(raw, c); err != nil {
			return fmt.Errorf("Could not parse config file %v: %w", filename, err)
		}
	} else if err := serviceconfig.GetConfig(filename, serviceName, serviceConfigVersion, serviceConfigFileName, c); err != nil {
		return err
	}
	// We don't run postLoad here, because if there is a problem with the config, then we'd
	// like to at least be able to emit log messages, if that's at all possible.
	return nil
}

// LoadString reads a JSON config. This exists for unit tests.
func (c *Config) LoadString(s string) error {
	return json.Unmarshal([]byte(s), c)
}

func (c *Config) searchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

// postLoad validates the config and fills in defaults
func (c *Config) postLoad() error {
	if c.HTTP.Port == "" {
		c.HTTP.Port = defaultHttpPort
	}

	db := &c.Database
	if db.Alias == "" {
		switch db.Driver {
		case "":
			return errNoDatabase
		case driverPostgres:
		case driverSQLite:
			if db.Database == "" {
				return errors.New("Database.Database must be the path of the sqlite3 database file")
			}
			if db.MaxOpenConns == 0 {
				db.MaxOpenConns = defaultSQLiteMaxOpenConns
			}
		default:
			return fmt.Errorf("Unsupported database driver '%v'. Valid drivers are %v and %v", db.Driver, driverPostgres, driverSQLite)
		}
	}

	cache := &c.Cache
	switch cache.Backend {
	case "":
		cache.Backend = cacheBackendMemory
	case cacheBackendMemory, cacheBackendDatabase:
	case cacheBackendRedis:
		if cache.Redis.Addr == "" {
			return errors.New("Cache.Redis.Addr is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("Unknown cache backend '%v'. Valid backends are %v, %v and %v", cache.Backend, cacheBackendMemory, cacheBackendRedis, cacheBackendDatabase)
	}
	if cache.Shards <= 0 {
		cache.Shards = defaultCacheShards
	}
	if cache.Redis.KeyPrefix == "" {
		cache.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if cache.Redis.DialTimeoutSeconds <= 0 {
		cache.Redis.DialTimeoutSeconds = defaultRedisDialTimeout
	}
	if cache.FlushAt != "" {
		if _, err := time.Parse(flushAtLayout, cache.FlushAt); err != nil {
			return fmt.Errorf("Cache.FlushAt must be a time of day such as 02:00, not '%v'", cache.FlushAt)
		}
	}

	if c.Search.TimeoutSeconds <= 0 {
		c.Search.TimeoutSeconds = defaultSearchTimeout
	}
	if c.Search.DefaultPageSize <= 0 {
		c.Search.DefaultPageSize = defaultSearchPageSize
	} else if c.Search.DefaultPageSize > maxSearchPageSize {
		c.Search.DefaultPageSize = maxSearchPageSize
	}
	return nil
}
