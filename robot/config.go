package robot

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// ThreadMode selects which background workers a Session runs.
type ThreadMode int

const (
	// Single runs no goroutines; every dispatch reads its own reply inline.
	Single ThreadMode = iota
	// Dual adds a receive worker for replies and events.
	Dual
	// Triple is Dual plus a UDP telemetry worker.
	Triple
)

func (m ThreadMode) String() string {
	switch m {
	case Single:
		return "single"
	case Dual:
		return "dual"
	case Triple:
		return "triple"
	default:
		return fmt.Sprintf("ThreadMode(%d)", int(m))
	}
}

// ParseThreadMode accepts "single", "dual" or "triple" (or 0, 1, 2).
func ParseThreadMode(s string) (ThreadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "0":
		return Single, nil
	case "dual", "1":
		return Dual, nil
	case "triple", "2", "":
		return Triple, nil
	}
	return 0, errors.Errorf("unknown thread mode %q", s)
}

// Defaults applied by Config.withDefaults.
const (
	DefaultPort            = 8080
	DefaultDialTimeout     = 3 * time.Second
	DefaultReplyTimeout    = 5 * time.Second
	DefaultMotionTimeout   = 60 * time.Second
	DefaultCloseTimeout    = 2 * time.Second
	DefaultTelemetryListen = ":8089"
	DefaultAPIConstraint   = ">=1.0.0, <2.0.0"
)

// Config describes how to reach a controller.
type Config struct {
	Host string
	Port int
	Mode ThreadMode

	DialTimeout   time.Duration
	ReplyTimeout  time.Duration
	MotionTimeout time.Duration
	CloseTimeout  time.Duration

	// TelemetryListen is the UDP address the Triple mode worker binds.
	TelemetryListen string
	// APIConstraint gates the controller's api_version at handshake.
	APIConstraint string
}

// Address is host:port.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.MotionTimeout <= 0 {
		c.MotionTimeout = DefaultMotionTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.TelemetryListen == "" {
		c.TelemetryListen = DefaultTelemetryListen
	}
	if c.APIConstraint == "" {
		c.APIConstraint = DefaultAPIConstraint
	}
	return c
}

func (c Config) validate() (*semver.Constraints, error) {
	if c.Host == "" {
		return nil, &ValidationError{Field: "host", Reason: "required"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return nil, &ValidationError{Field: "port", Reason: fmt.Sprintf("%d out of range", c.Port)}
	}
	if c.Mode < Single || c.Mode > Triple {
		return nil, &ValidationError{Field: "mode", Reason: c.Mode.String()}
	}
	constraint, err := semver.NewConstraint(c.APIConstraint)
	if err != nil {
		return nil, &ValidationError{Field: "api_constraint", Reason: err.Error()}
	}
	return constraint, nil
}
