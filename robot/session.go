// Package robot manages a session with a networked arm controller: connecting
// and handshaking, running the receive and telemetry workers, and dispatching
// commands through to completion.
package robot

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"rm_arm/posemath"
	"rm_arm/telemetry"
	"rm_arm/transport"
	"rm_arm/wire"
)

// Session is one open connection to a controller.
type Session struct {
	cfg    Config
	logger logging.Logger
	info   Info

	conn    *transport.Conn
	udp     net.PacketConn
	tel     *telemetry.Channel
	disp    *Dispatcher
	workers *utils.StoppableWorkers

	mu     sync.Mutex
	closed bool
}

// Open dials the controller, checks its api_version and starts the workers
// cfg.Mode calls for. Connection failures are *ConnectError and are not
// retried.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	constraint, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	conn, info, err := connect(ctx, cfg.Address(), cfg.DialTimeout, cfg.ReplyTimeout, constraint)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		info:   info,
		conn:   conn,
		tel:    telemetry.NewChannel(logger),
	}
	s.disp = newDispatcher(logger, conn, cfg, info, s.tel)

	if cfg.Mode == Triple {
		udp, err := transport.ListenUDP(cfg.TelemetryListen)
		if err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "telemetry listener"), conn.Close())
		}
		s.udp = udp
	}

	if cfg.Mode != Single {
		s.workers = utils.NewBackgroundStoppableWorkers(s.disp.receiveLoop)
		if s.udp != nil {
			s.workers.Add(s.serveTelemetry)
		}
	}

	logger.Infof("connected to %s: %s, %d dof, api %s, %s mode",
		cfg.Address(), info.Model, info.DOF, info.APIVersion, cfg.Mode)
	return s, nil
}

func (s *Session) serveTelemetry(ctx context.Context) {
	err := s.tel.Serve(ctx, s.udp)
	if err != nil && ctx.Err() == nil {
		s.logger.Warnf("telemetry worker stopped: %v", err)
	}
}

// Probe performs a handshake with addr and disconnects. It is used to find
// controllers without holding a session open.
func Probe(ctx context.Context, addr string, timeout time.Duration) (Info, error) {
	constraint, err := semver.NewConstraint(DefaultAPIConstraint)
	if err != nil {
		return Info{}, err
	}
	conn, info, err := connect(ctx, addr, timeout, timeout, constraint)
	if err != nil {
		return Info{}, err
	}
	return info, conn.Close()
}

func connect(ctx context.Context, addr string, dialTimeout, replyTimeout time.Duration, constraint *semver.Constraints) (*transport.Conn, Info, error) {
	conn, err := transport.Dial(ctx, addr, dialTimeout)
	if err != nil {
		return nil, Info{}, &ConnectError{Kind: Unreachable, Addr: addr, Err: err}
	}
	info, err := handshake(ctx, conn, replyTimeout, constraint)
	if err != nil {
		conn.Close()
		var ce *ConnectError
		if errors.As(err, &ce) {
			ce.Addr = addr
			return nil, Info{}, ce
		}
		return nil, Info{}, &ConnectError{Kind: ProtocolMismatch, Addr: addr, Err: err}
	}
	return conn, info, nil
}

func handshake(ctx context.Context, conn *transport.Conn, timeout time.Duration, constraint *semver.Constraints) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := wire.EncodeRequest(CmdRobotInfo, nil)
	if err != nil {
		return Info{}, err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return Info{}, &ConnectError{Kind: Unreachable, Err: err}
	}
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			return Info{}, &ConnectError{Kind: Unreachable, Err: errors.Wrap(err, "handshake")}
		}
		msg, err := wire.DecodeMessage(raw)
		if err != nil {
			return Info{}, errors.Wrap(err, "handshake")
		}
		if msg.IsEvent() || msg.Command != CmdRobotInfo {
			continue
		}
		if !msg.OK {
			return Info{}, errors.New("controller refused get_robot_info")
		}
		return parseInfo(msg.Fields, constraint)
	}
}

// Close stops the workers, closes the sockets and wakes every waiter with
// ErrSessionClosed. Calling it again does nothing.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.disp.terminate(ErrSessionClosed)
	s.tel.Close(ErrSessionClosed)

	var stopped chan struct{}
	if s.workers != nil {
		stopped = make(chan struct{})
		go func() {
			s.workers.Stop()
			close(stopped)
		}()
		timer := time.NewTimer(s.cfg.CloseTimeout)
		select {
		case <-stopped:
		case <-timer.C:
			s.logger.Warnf("workers for %s did not stop within %s, forcing sockets closed", s.cfg.Address(), s.cfg.CloseTimeout)
		case <-ctx.Done():
		}
		timer.Stop()
	}

	var err error
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	if s.udp != nil {
		if cerr := s.udp.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	if stopped != nil {
		timer := time.NewTimer(s.cfg.CloseTimeout)
		select {
		case <-stopped:
		case <-timer.C:
			err = multierr.Append(err, errors.Errorf("workers for %s still running after sockets closed", s.cfg.Address()))
		case <-ctx.Done():
			err = multierr.Append(err, errors.Wrap(ctx.Err(), "waiting for workers"))
		}
		timer.Stop()
	}
	s.logger.Debugf("session with %s closed", s.cfg.Address())
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RobotInfo returns what the controller reported at Open.
func (s *Session) RobotInfo() (Info, error) {
	if s.isClosed() {
		return Info{}, ErrSessionClosed
	}
	return s.info, nil
}

// Kinematics returns the arm model with the session's current frames.
func (s *Session) Kinematics() (posemath.Kinematics, error) {
	if s.isClosed() {
		return posemath.Kinematics{}, ErrSessionClosed
	}
	return s.disp.Kinematics()
}

// Telemetry returns the session's telemetry channel. Outside Triple mode it
// still carries events, but no snapshots arrive.
func (s *Session) Telemetry() *telemetry.Channel { return s.tel }

// TelemetryAddr is the bound UDP address in Triple mode, nil otherwise.
func (s *Session) TelemetryAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Dispatcher returns the session's command dispatcher.
func (s *Session) Dispatcher() *Dispatcher { return s.disp }

// Mode returns the session's thread mode.
func (s *Session) Mode() ThreadMode { return s.cfg.Mode }

// Address returns host:port of the controller.
func (s *Session) Address() string { return s.cfg.Address() }

// Config returns the effective configuration, defaults applied.
func (s *Session) Config() Config { return s.cfg }
