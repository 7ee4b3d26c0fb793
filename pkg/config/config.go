// Package config holds the settings of the server and client binaries.
// Values come from the defaults, then an optional YAML file named by
// -config, then any flags given on the command line.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astromechza/quadrillion-checkboxes/pkg/blob"
	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/client"
	"github.com/astromechza/quadrillion-checkboxes/pkg/logging"
	"github.com/astromechza/quadrillion-checkboxes/pkg/pagestore"
	"github.com/astromechza/quadrillion-checkboxes/pkg/server"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr    string        `yaml:"addr"`
	Storage StorageConfig `yaml:"storage"`
	// TransientPages bounds the pages held in memory before eviction
	// persists them.
	TransientPages  int     `yaml:"transient_pages"`
	MetadataEntries int     `yaml:"metadata_entries"`
	SendBuffer      int     `yaml:"send_buffer"`
	ToggleRate      float64 `yaml:"toggle_rate"`
	ToggleBurst     int     `yaml:"toggle_burst"`
	// BackupInterval is how often the clock is saved and stats are logged.
	BackupInterval  time.Duration `yaml:"backup_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
}

type ClientConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Pages          int           `yaml:"pages"`
	Snapshots      int           `yaml:"snapshots"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ToggleInterval is the mean pause between random toggles.
	ToggleInterval time.Duration `yaml:"toggle_interval"`
	// PageRange limits random toggles to pages [0, PageRange).
	PageRange uint `yaml:"page_range"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "localhost:8080",
			Storage: StorageConfig{
				Backend:   blob.BackendFS,
				Path:      "data",
				RedisAddr: "localhost:6379",
			},
			TransientPages:  pagestore.DefaultTransientPages,
			MetadataEntries: pagestore.DefaultMetadataEntries,
			SendBuffer:      server.DefaultSendBuffer,
			ToggleRate:      server.DefaultToggleRate,
			ToggleBurst:     server.DefaultToggleBurst,
			BackupInterval:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			ServerURL:      "http://127.0.0.1:8080",
			Pages:          client.DefaultPages,
			Snapshots:      client.DefaultSnapshots,
			RequestTimeout: client.DefaultRequestTimeout,
			ToggleInterval: time.Second,
			PageRange:      4,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ReadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current value.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ServerFlags binds the flags of the server binary to c.
func ServerFlags(fs *flag.FlagSet, c *Config) {
	s := &c.Server
	fs.StringVar(&s.Addr, "addr", s.Addr, "the address to listen on")
	fs.StringVar(&s.Storage.Backend, "storage", s.Storage.Backend, "storage backend: fs, sqlite, bolt, redis or memory")
	fs.StringVar(&s.Storage.Path, "data", s.Storage.Path, "data directory for the fs, sqlite and bolt backends")
	fs.StringVar(&s.Storage.RedisAddr, "redis-addr", s.Storage.RedisAddr, "redis address for the redis backend")
	fs.IntVar(&s.TransientPages, "transient-pages", s.TransientPages, "pages held in memory before they are persisted")
	fs.IntVar(&s.MetadataEntries, "metadata-entries", s.MetadataEntries, "cached durable page times")
	fs.IntVar(&s.SendBuffer, "send-buffer", s.SendBuffer, "frames queued per session before it is dropped")
	fs.Float64Var(&s.ToggleRate, "toggle-rate", s.ToggleRate, "toggles per second allowed per session")
	fs.IntVar(&s.ToggleBurst, "toggle-burst", s.ToggleBurst, "toggle burst allowed per session")
	fs.DurationVar(&s.BackupInterval, "backup-interval", s.BackupInterval, "how often the clock is saved")
	logFlag(fs, c)
}

// ClientFlags binds the flags of the client binary to c.
func ClientFlags(fs *flag.FlagSet, c *Config) {
	cl := &c.Client
	fs.StringVar(&cl.ServerURL, "server", cl.ServerURL, "the server to connect to")
	fs.IntVar(&cl.Pages, "pages", cl.Pages, "resident pages")
	fs.DurationVar(&cl.RequestTimeout, "timeout", cl.RequestTimeout, "how long a toggle waits for confirmation")
	fs.DurationVar(&cl.ToggleInterval, "interval", cl.ToggleInterval, "mean pause between random toggles")
	fs.UintVar(&cl.PageRange, "page-range", cl.PageRange, "toggle pages below this number")
	logFlag(fs, c)
}

func logFlag(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "debug, info, warn or error")
}

// Load parses args with the flags bound by bind. When -config names a file,
// the file is applied on top of the defaults and the flags given in args
// are applied again on top of the file.
func Load(fs *flag.FlagSet, args []string, bind func(*flag.FlagSet, *Config)) (*Config, error) {
	c := Default()
	path := fs.String("config", "", "optional YAML config file")
	bind(fs, c)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if *path != "" {
		fromFile := Default()
		if err := fromFile.ReadFile(*path); err != nil {
			return nil, err
		}
		again := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
		bind(again, fromFile)
		var err error
		fs.Visit(func(f *flag.Flag) {
			if f.Name == "config" || err != nil {
				return
			}
			err = again.Set(f.Name, f.Value.String())
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply flags: %w", err)
		}
		c = fromFile
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Server.Storage.Backend {
	case blob.BackendFS, blob.BackendSQLite, blob.BackendBolt, blob.BackendRedis, blob.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Server.Storage.Backend))
	}
	if c.Server.TransientPages <= 0 {
		errs = append(errs, errors.New("transient_pages must be positive"))
	}
	if c.Server.BackupInterval <= 0 {
		errs = append(errs, errors.New("backup_interval must be positive"))
	}
	if u, err := url.Parse(c.Client.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid server_url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("server_url must be http or https, got %q", c.Client.ServerURL))
	}
	if c.Client.ToggleInterval <= 0 {
		errs = append(errs, errors.New("toggle_interval must be positive"))
	}
	if c.Client.PageRange == 0 || uint64(c.Client.PageRange) > checkbox.Pages {
		errs = append(errs, fmt.Errorf("page_range must be in [1, %d]", checkbox.Pages))
	}
	return errors.Join(errs...)
}
