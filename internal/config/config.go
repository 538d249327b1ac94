// Package config loads and validates the server's configuration file:
// the server{}, default_app_settings{}, and apps.<name>{} sections from
// spec §6, plus include_apps for splitting the application catalogue
// across extra files or directories.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"

	"github.com/colinmarc/magic-mirror/internal/catalog"
	"github.com/colinmarc/magic-mirror/internal/logging"
)

// Server holds the listener, transport, and discovery settings.
type Server struct {
	Bind             string   `mapstructure:"bind"`
	BindSystemd      string   `mapstructure:"bind_systemd"`
	TLSCert          string   `mapstructure:"tls_cert"`
	TLSKey           string   `mapstructure:"tls_key"`
	WorkerThreads    int      `mapstructure:"worker_threads"`
	MaxConnections   int      `mapstructure:"max_connections"`
	MDNS             bool     `mapstructure:"mdns"`
	MDNSHostname     string   `mapstructure:"mdns_hostname"`
	MDNSInstanceName string   `mapstructure:"mdns_instance_name"`
	VideoFECRatios   []float64 `mapstructure:"video_fec_ratios"`
	AudioBitrate     int      `mapstructure:"audio_bitrate"`
	AudioFECRatio    string   `mapstructure:"audio_fec_ratio"`
	LogFormat        string   `mapstructure:"log_format"`
	LogLevel         string   `mapstructure:"log_level"`
	MetricsBind      string   `mapstructure:"metrics_bind"`
}

// DefaultAppSettings are the values an apps.<name> entry inherits unless
// it overrides them explicitly.
type DefaultAppSettings struct {
	XWayland       bool   `mapstructure:"xwayland"`
	Force1xScale   bool   `mapstructure:"force_1x_scale"`
	SessionTimeout int    `mapstructure:"session_timeout"`
	IsolateHome    bool   `mapstructure:"isolate_home"`
	SharedHomeName string `mapstructure:"shared_home_name"`
	TmpHome        bool   `mapstructure:"tmp_home"`
}

// AppEntry is the raw, as-configured shape of one apps.<name> section,
// before being merged with DefaultAppSettings and turned into a
// catalog.Application.
type AppEntry struct {
	Description     string            `mapstructure:"description"`
	Command         []string          `mapstructure:"command"`
	Environment     map[string]string `mapstructure:"environment"`
	AppPath         string            `mapstructure:"app_path"`
	HeaderImage     string            `mapstructure:"header_image"`
	XWayland        *bool             `mapstructure:"xwayland"`
	Force1xScale    *bool             `mapstructure:"force_1x_scale"`
	SessionTimeout  *int              `mapstructure:"session_timeout"`
	IsolateHome     *bool             `mapstructure:"isolate_home"`
	SharedHomeName  *string           `mapstructure:"shared_home_name"`
	TmpHome         *bool             `mapstructure:"tmp_home"`
}

// Config is the full, as-loaded configuration file.
type Config struct {
	Server              Server              `mapstructure:"server"`
	DefaultAppSettings   DefaultAppSettings  `mapstructure:"default_app_settings"`
	Apps                 map[string]AppEntry `mapstructure:"apps"`
	IncludeApps           []string            `mapstructure:"include_apps"`
}

// Default returns a Config with every field set to its documented
// default, as if loaded from an empty file.
func Default() *Config {
	return &Config{
		Server: Server{
			Bind:           "0.0.0.0:7200",
			WorkerThreads:  0, // 0 means runtime.NumCPU()
			MaxConnections: 64,
			MDNS:           true,
			LogFormat:      "text",
			LogLevel:       "info",
			VideoFECRatios: []float64{0.2, 0.25},
			AudioBitrate:   64_000,
			AudioFECRatio:  "4:1",
		},
		DefaultAppSettings: DefaultAppSettings{
			SessionTimeout: 300,
		},
		Apps: map[string]AppEntry{},
	}
}

// Load reads cfgFile (or the default search path if cfgFile is empty),
// merges included application files, validates, and returns the result.
// Fatal validation errors (see Validate) are returned as an error;
// non-fatal ones are logged as warnings and the clamped config is
// returned anyway, matching the teacher's tiered tolerant-startup
// pattern.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// No SetConfigType: spec §6 names TOML or JSON as the config
		// format, so leave viper to search its supported extensions
		// (.toml, .json, .yaml, ...) under SetConfigName rather than
		// pinning one.
		v.SetConfigName("magic-mirror")
		v.AddConfigPath("/etc/magic-mirror")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("MAGICMIRROR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !isConfigFileNotFound(err, notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, path := range cfg.IncludeApps {
		if err := mergeIncludedApps(cfg, path); err != nil {
			return nil, fmt.Errorf("include_apps %q: %w", path, err)
		}
	}

	result := cfg.Validate()
	for _, w := range result.Warnings {
		logging.L("config").Warn("config validation", logging.KeyError, w)
	}
	if len(result.Fatals) > 0 {
		return nil, joinErrors(result.Fatals)
	}

	return cfg, nil
}

func isConfigFileNotFound(err error, target viper.ConfigFileNotFoundError) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// includableExts are the config formats spec §6 allows (TOML or JSON),
// plus YAML for compatibility with files written before that was
// tightened down.
var includableExts = map[string]bool{
	".toml": true,
	".json": true,
	".yaml": true,
	".yml":  true,
}

// mergeIncludedApps loads additional apps.<name> sections from a single
// file, or every recognized config file in a directory, into cfg.Apps.
// Duplicate names are an error, caught later by catalog.New.
func mergeIncludedApps(cfg *Config, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if includableExts[filepath.Ext(e.Name())] {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}

	for _, f := range files {
		v := viper.New()
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
		var included struct {
			Apps map[string]AppEntry `mapstructure:"apps"`
		}
		if err := v.Unmarshal(&included); err != nil {
			return err
		}
		for name, app := range included.Apps {
			cfg.Apps[name] = app
		}
	}
	return nil
}

// Catalog merges DefaultAppSettings into each AppEntry and builds the
// validated catalog.Catalog the rest of the server runs against.
func (c *Config) Catalog() (*catalog.Catalog, []error) {
	apps := make([]catalog.Application, 0, len(c.Apps))
	for name, entry := range c.Apps {
		apps = append(apps, catalog.Application{
			Name:            name,
			Description:     entry.Description,
			Command:         entry.Command,
			Environment:     entry.Environment,
			AppPath:         entry.AppPath,
			HeaderImagePath: entry.HeaderImage,
			XWayland:        boolOr(entry.XWayland, c.DefaultAppSettings.XWayland),
			Force1xScale:    boolOr(entry.Force1xScale, c.DefaultAppSettings.Force1xScale),
			SessionTimeout:  intOr(entry.SessionTimeout, c.DefaultAppSettings.SessionTimeout),
			IsolateHome:     boolOr(entry.IsolateHome, c.DefaultAppSettings.IsolateHome),
			SharedHomeName:  stringOr(entry.SharedHomeName, c.DefaultAppSettings.SharedHomeName),
			TmpHome:         boolOr(entry.TmpHome, c.DefaultAppSettings.TmpHome),
		})
	}
	return catalog.New(apps)
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func stringOr(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}

// requiresTLS reports whether bind needs a certificate under spec §6's
// rule: TLS is required unless the bind address is loopback or within a
// private range (RFC1918, RFC4193, RFC6598).
func requiresTLS(bind string) bool {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		host = bind
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// A hostname (not a literal IP) can't be proven private; require TLS.
		return true
	}
	if ip.IsLoopback() {
		return false
	}
	for _, cidr := range privateRanges {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return false
		}
	}
	return true
}

var privateRanges = []string{
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"fc00::/7",       // RFC4193
	"100.64.0.0/10",  // RFC6598
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := fmt.Sprintf("%d configuration errors:", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
