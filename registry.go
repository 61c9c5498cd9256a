package rm_arm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"rm_arm/robot"
)

// OpenFunc opens a controller session. robot.Open in production.
type OpenFunc func(ctx context.Context, cfg robot.Config, logger logging.Logger) (*robot.Session, error)

type sessionEntry struct {
	session   *robot.Session
	config    robot.Config
	refCount  int64
	lastError error
	mu        sync.Mutex
}

// SessionRegistry hands out one robot.Session per controller address and
// closes it when the last holder releases it.
type SessionRegistry struct {
	entries map[string]*sessionEntry
	mu      sync.Mutex
	open    OpenFunc
}

func NewSessionRegistry(open OpenFunc) *SessionRegistry {
	if open == nil {
		open = robot.Open
	}
	return &SessionRegistry{
		entries: make(map[string]*sessionEntry),
		open:    open,
	}
}

// Acquire returns the session for cfg's address, opening it if needed. Every
// successful Acquire must be paired with a Release.
func (r *SessionRegistry) Acquire(ctx context.Context, cfg robot.Config, logger logging.Logger) (*robot.Session, error) {
	addr := cfg.Address()

	r.mu.Lock()
	entry, exists := r.entries[addr]
	if !exists {
		entry = &sessionEntry{config: cfg}
		r.entries[addr] = entry
	}
	entry.mu.Lock()
	r.mu.Unlock()
	defer entry.mu.Unlock()

	if entry.session != nil {
		if !configsEqual(entry.config, cfg) {
			return nil, errors.Errorf("conflict: session for %s already open with a different config (refCount: %d)",
				addr, atomic.LoadInt64(&entry.refCount))
		}
		atomic.AddInt64(&entry.refCount, 1)
		return entry.session, nil
	}

	if entry.lastError != nil {
		logger.Debugf("retrying %s after earlier failure: %v", addr, entry.lastError)
	}
	session, err := r.open(ctx, cfg, logger)
	if err != nil {
		entry.lastError = err
		return nil, errors.Wrapf(err, "failed to open session to %s", addr)
	}
	entry.session = session
	entry.config = cfg
	entry.lastError = nil
	atomic.StoreInt64(&entry.refCount, 1)
	logger.Infof("opened %s session to %s", cfg.Mode, addr)
	return session, nil
}

// Release drops one reference and closes the session with the last one.
func (r *SessionRegistry) Release(ctx context.Context, addr string) error {
	r.mu.Lock()
	entry, exists := r.entries[addr]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	entry.mu.Lock()
	remaining := atomic.AddInt64(&entry.refCount, -1)
	var session *robot.Session
	if remaining <= 0 {
		delete(r.entries, addr)
		session = entry.session
		entry.session = nil
		atomic.StoreInt64(&entry.refCount, 0)
	}
	entry.mu.Unlock()
	r.mu.Unlock()

	if session == nil {
		return nil
	}
	return closeSession(ctx, session)
}

// ForceClose closes the session for addr regardless of holders.
func (r *SessionRegistry) ForceClose(ctx context.Context, addr string) error {
	r.mu.Lock()
	entry, exists := r.entries[addr]
	if exists {
		delete(r.entries, addr)
	}
	r.mu.Unlock()
	if !exists {
		return nil
	}

	entry.mu.Lock()
	session := entry.session
	entry.session = nil
	atomic.StoreInt64(&entry.refCount, 0)
	entry.mu.Unlock()

	if session == nil {
		return nil
	}
	return closeSession(ctx, session)
}

// CloseAll force closes every session, collecting their errors.
func (r *SessionRegistry) CloseAll(ctx context.Context) error {
	var err error
	for _, addr := range r.Addresses() {
		err = multierr.Append(err, r.ForceClose(ctx, addr))
	}
	return err
}

// Addresses lists the controllers with a registry entry, sorted.
func (r *SessionRegistry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for addr := range r.entries {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Status reports the holders of addr, whether a session is open, and a short
// description of it.
func (r *SessionRegistry) Status(addr string) (int64, bool, string) {
	r.mu.Lock()
	entry, exists := r.entries[addr]
	r.mu.Unlock()
	if !exists {
		return 0, false, ""
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	summary := fmt.Sprintf("%s@%s", entry.config.Mode, addr)
	if entry.lastError != nil {
		summary += fmt.Sprintf(", last error: %v", entry.lastError)
	}
	return atomic.LoadInt64(&entry.refCount), entry.session != nil, summary
}

func closeSession(ctx context.Context, s *robot.Session) error {
	timeout := s.Config().CloseTimeout
	if timeout <= 0 {
		timeout = robot.DefaultCloseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Close(ctx)
}

// configsEqual compares the settings that shape a session. Address is the
// registry key and already equal.
func configsEqual(a, b robot.Config) bool {
	return a.Mode == b.Mode &&
		a.DialTimeout == b.DialTimeout &&
		a.ReplyTimeout == b.ReplyTimeout &&
		a.MotionTimeout == b.MotionTimeout &&
		a.TelemetryListen == b.TelemetryListen &&
		a.APIConstraint == b.APIConstraint
}
