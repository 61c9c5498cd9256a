package rm_arm

import (
	"context"

	"go.viam.com/rdk/logging"

	"rm_arm/robot"
)

// sharedSessions backs every resource built by this module, so an arm, its
// gripper and its telemetry sensor reuse one connection.
var sharedSessions = NewSessionRegistry(robot.Open)

// GetSharedSession returns the module-wide session for cfg's controller.
func GetSharedSession(ctx context.Context, cfg robot.Config, logger logging.Logger) (*robot.Session, error) {
	return sharedSessions.Acquire(ctx, cfg, logger)
}

func ReleaseSharedSession(ctx context.Context, addr string) error {
	return sharedSessions.Release(ctx, addr)
}

func ForceCloseSharedSession(ctx context.Context, addr string) error {
	return sharedSessions.ForceClose(ctx, addr)
}

func SharedSessionStatus(addr string) (int64, bool, string) {
	return sharedSessions.Status(addr)
}

// sessionHandle ties a resource to its share of a session.
type sessionHandle struct {
	registry *SessionRegistry
	session  *robot.Session
	addr     string
}

func acquireSession(ctx context.Context, registry *SessionRegistry, conf *Config, logger logging.Logger) (*sessionHandle, error) {
	if registry == nil {
		registry = sharedSessions
	}
	cfg, err := conf.SessionConfig(logger)
	if err != nil {
		return nil, err
	}
	s, err := registry.Acquire(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &sessionHandle{registry: registry, session: s, addr: cfg.Address()}, nil
}

func (h *sessionHandle) dispatcher() *robot.Dispatcher {
	return h.session.Dispatcher()
}

func (h *sessionHandle) release(ctx context.Context) error {
	return h.registry.Release(ctx, h.addr)
}
