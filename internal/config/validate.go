package config

import (
	"fmt"

	"github.com/colinmarc/magic-mirror/internal/transport/fec"
)

// ValidationResult separates recoverable problems (clamped and logged)
// from fatal ones that must stop startup.
type ValidationResult struct {
	Warnings []error
	Fatals   []error
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

var validLogFormats = map[string]bool{"text": true, "json": true}
var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks the config against spec §6's invariants, clamping
// dangerous zero/out-of-range values with a warning rather than failing
// startup outright, and reserving Fatals for configuration that cannot
// be made safe by clamping (a missing certificate when one is required,
// an empty bind address).
func (c *Config) Validate() ValidationResult {
	var result ValidationResult

	if c.Server.Bind == "" {
		result.fatal("server.bind must not be empty")
	}

	if requiresTLS(c.Server.Bind) {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			result.fatal("server.bind %q is not a private or loopback address: tls_cert and tls_key are required", c.Server.Bind)
		}
	}

	if c.Server.MaxConnections <= 0 {
		result.warn("server.max_connections %d is invalid, clamping to 1", c.Server.MaxConnections)
		c.Server.MaxConnections = 1
	} else if c.Server.MaxConnections > 4096 {
		result.warn("server.max_connections %d exceeds 4096, clamping", c.Server.MaxConnections)
		c.Server.MaxConnections = 4096
	}

	if c.Server.WorkerThreads < 0 {
		result.warn("server.worker_threads %d is invalid, using 0 (auto)", c.Server.WorkerThreads)
		c.Server.WorkerThreads = 0
	}

	if !validLogFormats[c.Server.LogFormat] {
		result.warn("server.log_format %q is unrecognized, using %q", c.Server.LogFormat, "text")
		c.Server.LogFormat = "text"
	}
	if !validLogLevels[c.Server.LogLevel] {
		result.warn("server.log_level %q is unrecognized, using %q", c.Server.LogLevel, "info")
		c.Server.LogLevel = "info"
	}

	if len(c.Server.VideoFECRatios) == 0 {
		result.warn("server.video_fec_ratios is empty, using default 0.2")
		c.Server.VideoFECRatios = []float64{0.2}
	}
	for i, ratio := range c.Server.VideoFECRatios {
		if ratio < 0 || ratio > 1 {
			result.warn("server.video_fec_ratios[%d] %v is out of range [0,1], clamping", i, ratio)
			c.Server.VideoFECRatios[i] = clampFloat(ratio, 0, 1)
		}
	}

	if c.Server.AudioBitrate <= 0 {
		result.warn("server.audio_bitrate %d is invalid, using 64000", c.Server.AudioBitrate)
		c.Server.AudioBitrate = 64_000
	}
	if _, err := fec.ParseRatio(c.Server.AudioFECRatio); err != nil {
		result.warn("server.audio_fec_ratio %q is invalid (%v), using 4:1", c.Server.AudioFECRatio, err)
		c.Server.AudioFECRatio = "4:1"
	}

	if c.DefaultAppSettings.SessionTimeout < 0 {
		result.warn("default_app_settings.session_timeout %d is invalid, using 300", c.DefaultAppSettings.SessionTimeout)
		c.DefaultAppSettings.SessionTimeout = 300
	}

	for name, app := range c.Apps {
		if len(app.Command) == 0 {
			result.fatal("apps.%s: command must not be empty", name)
		}
		if app.TmpHome != nil && *app.TmpHome && app.SharedHomeName != nil && *app.SharedHomeName != "" {
			result.fatal("apps.%s: tmp_home and shared_home_name are mutually exclusive", name)
		}
	}

	return result
}

func clampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
