// Package rm_arm exposes a networked arm controller to viam as an arm, a
// gripper, a telemetry sensor and a discovery service. Resources pointing at
// the same controller share one robot.Session.
package rm_arm

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.viam.com/rdk/logging"

	"rm_arm/robot"
)

// EnvPrefix prefixes environment overrides read by LoadConfig, e.g.
// RM_ARM_HOST or RM_ARM_THREAD_MODE.
const EnvPrefix = "RM_ARM"

// Defaults for resource attributes.
const (
	DefaultArmSpeed     = 20
	DefaultGripperSpeed = 500
	DefaultGripperForce = 200
)

// Config is the attribute set shared by every rm_arm resource. Attributes a
// resource does not use are ignored.
type Config struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// ThreadMode is "single", "dual" or "triple" (default).
	ThreadMode string `json:"thread_mode,omitempty"`

	DialTimeoutSec   float64 `json:"dial_timeout_sec,omitempty"`
	ReplyTimeoutSec  float64 `json:"reply_timeout_sec,omitempty"`
	MotionTimeoutSec float64 `json:"motion_timeout_sec,omitempty"`

	TelemetryListen string `json:"telemetry_listen,omitempty"`
	APIConstraint   string `json:"api_constraint,omitempty"`

	// ConfigFile is merged under the attributes. Relative paths resolve
	// against VIAM_MODULE_DATA.
	ConfigFile string `json:"config_file,omitempty"`

	// arm
	DefaultSpeed int `json:"default_speed,omitempty"`

	// gripper
	GripperSpeed int `json:"gripper_speed,omitempty"`
	GripperForce int `json:"gripper_force,omitempty"`

	// telemetry sensor; a zero cycle leaves the controller's push setup alone
	PushCycleMs int    `json:"push_cycle_ms,omitempty"`
	PushIP      string `json:"push_ip,omitempty"`
}

// Validate ensures all parts of the config are valid and fills defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Host == "" && cfg.ConfigFile == "" {
		return nil, nil, errors.Errorf("%s: must specify host or config_file", path)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, nil, errors.Errorf("%s: port %d out of range", path, cfg.Port)
	}
	if cfg.ThreadMode != "" {
		if _, err := robot.ParseThreadMode(cfg.ThreadMode); err != nil {
			return nil, nil, errors.Wrap(err, path)
		}
	}
	for name, v := range map[string]float64{
		"dial_timeout_sec":   cfg.DialTimeoutSec,
		"reply_timeout_sec":  cfg.ReplyTimeoutSec,
		"motion_timeout_sec": cfg.MotionTimeoutSec,
	} {
		if v < 0 {
			return nil, nil, errors.Errorf("%s: %s must not be negative", path, name)
		}
	}

	if cfg.DefaultSpeed == 0 {
		cfg.DefaultSpeed = DefaultArmSpeed
	}
	if cfg.DefaultSpeed < 1 || cfg.DefaultSpeed > 100 {
		return nil, nil, errors.Errorf("%s: default_speed must be between 1 and 100, got %d", path, cfg.DefaultSpeed)
	}
	if cfg.GripperSpeed == 0 {
		cfg.GripperSpeed = DefaultGripperSpeed
	}
	if cfg.GripperForce == 0 {
		cfg.GripperForce = DefaultGripperForce
	}
	if cfg.PushCycleMs < 0 || cfg.PushCycleMs%5 != 0 {
		return nil, nil, errors.Errorf("%s: push_cycle_ms must be a multiple of 5, got %d", path, cfg.PushCycleMs)
	}
	return nil, nil, nil
}

// SessionConfig merges the config file (if any) under the attributes and
// returns what robot.Open needs.
func (cfg *Config) SessionConfig(logger logging.Logger) (robot.Config, error) {
	base := &Config{}
	if cfg.ConfigFile != "" {
		file := resolveDataPath(cfg.ConfigFile)
		loaded, err := LoadConfig(file)
		if err != nil {
			return robot.Config{}, err
		}
		logger.Debugf("loaded controller settings from %s", file)
		base = loaded
	}
	merged := base.overlay(cfg)
	if merged.Host == "" {
		return robot.Config{}, errors.New("no host in attributes or config file")
	}

	if merged.Port == 0 {
		merged.Port = robot.DefaultPort
	}
	mode, err := robot.ParseThreadMode(merged.ThreadMode)
	if err != nil {
		return robot.Config{}, err
	}
	return robot.Config{
		Host:            merged.Host,
		Port:            merged.Port,
		Mode:            mode,
		DialTimeout:     seconds(merged.DialTimeoutSec),
		ReplyTimeout:    seconds(merged.ReplyTimeoutSec),
		MotionTimeout:   seconds(merged.MotionTimeoutSec),
		TelemetryListen: merged.TelemetryListen,
		APIConstraint:   merged.APIConstraint,
	}, nil
}

// overlay returns cfg with every connection field set in top replacing it.
func (cfg Config) overlay(top *Config) Config {
	if top.Host != "" {
		cfg.Host = top.Host
	}
	if top.Port != 0 {
		cfg.Port = top.Port
	}
	if top.ThreadMode != "" {
		cfg.ThreadMode = top.ThreadMode
	}
	if top.DialTimeoutSec != 0 {
		cfg.DialTimeoutSec = top.DialTimeoutSec
	}
	if top.ReplyTimeoutSec != 0 {
		cfg.ReplyTimeoutSec = top.ReplyTimeoutSec
	}
	if top.MotionTimeoutSec != 0 {
		cfg.MotionTimeoutSec = top.MotionTimeoutSec
	}
	if top.TelemetryListen != "" {
		cfg.TelemetryListen = top.TelemetryListen
	}
	if top.APIConstraint != "" {
		cfg.APIConstraint = top.APIConstraint
	}
	return cfg
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// LoadConfig reads connection settings from a YAML, JSON or TOML file, with
// RM_ARM_* environment variables taking precedence. An empty path reads the
// environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	cfg := &Config{
		Host:             v.GetString("host"),
		Port:             v.GetInt("port"),
		ThreadMode:       v.GetString("thread_mode"),
		DialTimeoutSec:   v.GetFloat64("dial_timeout_sec"),
		ReplyTimeoutSec:  v.GetFloat64("reply_timeout_sec"),
		MotionTimeoutSec: v.GetFloat64("motion_timeout_sec"),
		TelemetryListen:  v.GetString("telemetry_listen"),
		APIConstraint:    v.GetString("api_constraint"),
	}
	if cfg.ThreadMode != "" {
		if _, err := robot.ParseThreadMode(cfg.ThreadMode); err != nil {
			return nil, errors.Wrapf(err, "config file %s", path)
		}
	}
	return cfg, nil
}

// resolveDataPath handles relative paths using VIAM_MODULE_DATA.
func resolveDataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	dir := os.Getenv("VIAM_MODULE_DATA")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, p)
}
