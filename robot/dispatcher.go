package robot

import (
	"context"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"rm_arm/posemath"
	"rm_arm/telemetry"
	"rm_arm/transport"
	"rm_arm/wire"
)

// State is where a dispatched command is in its lifecycle.
type State int

const (
	StateQueued State = iota
	StateSent
	StateExecuting
	StateCompleted
	StateFaulted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSent:
		return "sent"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateRejected
}

// Status summarizes an Outcome for the caller.
type Status int

const (
	StatusNone Status = iota
	StatusAccepted
	StatusCompleted
	StatusRejected
	StatusFaulted
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusCompleted:
		return "completed"
	case StatusRejected:
		return "rejected"
	case StatusFaulted:
		return "faulted"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "none"
	}
}

// Reason qualifies a Faulted outcome.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCancelled
	ReasonControllerFault
)

func (r Reason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonControllerFault:
		return "controller_fault"
	default:
		return ""
	}
}

// Result codes carried in Outcome.Code.
const (
	CodeOK            = 0
	CodeRejected      = 1  // controller answered false
	CodeSendFailed    = -1 // frame could not be written
	CodeReceiveFailed = -2 // no reply, or the connection failed while waiting
	CodeParseFailed   = -3 // reply did not carry the expected fields
	CodeSingleTimeout = -5 // Single mode gave up polling for the reply
)

// historySize is how many finished commands State and Wait can still report.
const historySize = 128

// singlePollInterval bounds each inline read in Single mode so other callers
// (a Stop, typically) can interleave.
const singlePollInterval = 50 * time.Millisecond

var errWaitTimeout = errors.New("wait timed out")

// Request is one command as the caller describes it. Only the fields the
// command uses are read.
type Request struct {
	Command string
	// Params are passed through to the controller verbatim.
	Params map[string]any

	Joints posemath.JointVector
	Pose   *posemath.PoseInput
	Via    *posemath.PoseInput

	// Speed is a percentage, 1..100.
	Speed int
	// Radius is the blend radius in meters.
	Radius            float64
	TrajectoryConnect bool
	Loop              int
	// Device is filled in for motion commands; a conflicting value is rejected.
	Device    telemetry.Device
	ProgramID int

	Blocking bool
	// Timeout bounds a blocking wait. Zero means the session's MotionTimeout.
	Timeout time.Duration
}

// Outcome reports what became of a Request.
type Outcome struct {
	ID        uuid.UUID
	Command   string
	State     State
	Status    Status
	Reason    Reason
	Code      int
	ErrorLine int
	Fields    map[string]any
}

type command struct {
	id        uuid.UUID
	name      string
	spec      commandSpec
	device    telemetry.Device
	programID int
	connect   bool

	state     State
	timedOut  bool
	reason    Reason
	code      int
	errorLine int
	fields    map[string]any

	replied chan struct{}
	done    chan struct{}
}

func (c *command) outcome() Outcome {
	o := Outcome{
		ID:        c.id,
		Command:   c.name,
		State:     c.state,
		Reason:    c.reason,
		Code:      c.code,
		ErrorLine: c.errorLine,
		Fields:    maps.Clone(c.fields),
	}
	switch c.state {
	case StateCompleted:
		o.Status = StatusCompleted
	case StateFaulted:
		o.Status = StatusFaulted
	case StateRejected:
		o.Status = StatusRejected
	case StateExecuting:
		o.Status = StatusAccepted
	}
	if c.timedOut {
		o.Status = StatusTimedOut
	}
	return o
}

// Dispatcher sends commands over one session's command channel and tracks
// them to completion.
type Dispatcher struct {
	logger        logging.Logger
	conn          *transport.Conn
	mode          ThreadMode
	tel           *telemetry.Channel
	replyTimeout  time.Duration
	motionTimeout time.Duration

	// exchange serializes request/reply pairs in Single mode.
	exchange sync.Mutex

	mu        sync.Mutex
	info      Info
	awaiting  map[string][]*command
	inflight  map[telemetry.Device][]*command
	programs  []*command
	byID      map[uuid.UUID]*command
	history   []uuid.UUID
	chaining  bool
	dragTeach bool

	jointMax []float64 // deg/s; zero means rated
	lineMax  float64   // m/s; zero means rated
	install  posemath.Euler
	frames   map[frameKind]*frameCache

	closed   chan struct{}
	closeErr error
}

func newDispatcher(logger logging.Logger, conn *transport.Conn, cfg Config, info Info, tel *telemetry.Channel) *Dispatcher {
	return &Dispatcher{
		logger:        logger,
		conn:          conn,
		mode:          cfg.Mode,
		tel:           tel,
		replyTimeout:  cfg.ReplyTimeout,
		motionTimeout: cfg.MotionTimeout,
		info:          info,
		awaiting:      make(map[string][]*command),
		inflight:      make(map[telemetry.Device][]*command),
		byID:          make(map[uuid.UUID]*command),
		jointMax:      make([]float64, info.DOF),
		frames: map[frameKind]*frameCache{
			toolFrame: newFrameCache(),
			workFrame: newFrameCache(),
		},
		closed: make(chan struct{}),
	}
}

// Dispatch validates req, sends it and, for blocking requests, waits for the
// command to finish. Validation failures return a *ValidationError before
// anything is written.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	return d.dispatch(ctx, req, false)
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, generic bool) (Outcome, error) {
	if err := d.closeCause(); err != nil {
		return Outcome{}, err
	}
	c, frame, err := d.prepare(req, generic)
	if err != nil {
		return Outcome{}, err
	}

	if d.mode == Single {
		d.exchange.Lock()
	}
	if !c.spec.noReply {
		d.track(c)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.replyTimeout)
	err = d.conn.Send(sendCtx, frame)
	cancel()
	if err != nil {
		if d.mode == Single {
			d.exchange.Unlock()
		}
		d.untrack(c)
		return Outcome{ID: c.id, Command: c.name, State: StateQueued, Code: CodeSendFailed}, errors.Wrapf(err, "send %s", c.name)
	}
	d.setState(c, StateSent)

	if c.spec.noReply {
		if d.mode == Single {
			d.exchange.Unlock()
		}
		d.mu.Lock()
		d.byID[c.id] = c
		d.finish(c, StateCompleted, ReasonNone, CodeOK, 0)
		d.mu.Unlock()
		return d.outcomeOf(c), nil
	}

	err = d.await(ctx, c.replied, d.replyTimeout, true)
	if d.mode == Single {
		d.exchange.Unlock()
	}
	if err != nil {
		if d.closeCause() != nil {
			return d.outcomeOf(c), err
		}
		code := CodeReceiveFailed
		if d.mode == Single && errors.Is(err, errWaitTimeout) {
			code = CodeSingleTimeout
		}
		// A false return means the reply landed after the wait gave up.
		if d.expire(c, code) {
			out := d.outcomeOf(c)
			if errors.Is(err, errWaitTimeout) {
				d.logger.Warnf("no reply to %s within %s", c.name, d.replyTimeout)
				return out, nil
			}
			return out, err
		}
	}

	out := d.outcomeOf(c)
	if out.State.Terminal() || !req.Blocking || c.connect {
		return out, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.motionTimeout
	}
	if err := d.await(ctx, c.done, timeout, false); err != nil {
		out := d.outcomeOf(c)
		if errors.Is(err, errWaitTimeout) {
			out.Status = StatusTimedOut
			return out, nil
		}
		return out, err
	}
	return d.outcomeOf(c), nil
}

// State returns the last known outcome of a command. Finished commands are
// remembered for a while, not forever.
func (d *Dispatcher) State(id uuid.UUID) (Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	if !ok {
		return Outcome{}, false
	}
	return c.outcome(), true
}

// Wait blocks until the command finishes, ctx is done or the session closes.
func (d *Dispatcher) Wait(ctx context.Context, id uuid.UUID) (Outcome, error) {
	d.mu.Lock()
	c, ok := d.byID[id]
	d.mu.Unlock()
	if !ok {
		return Outcome{}, errors.Errorf("unknown command %s", id)
	}
	if err := d.await(ctx, c.done, 0, false); err != nil {
		return d.outcomeOf(c), err
	}
	return d.outcomeOf(c), nil
}

// Chaining reports whether trajectory fusion is in effect.
func (d *Dispatcher) Chaining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chaining
}

// InFlight counts accepted motions and programs still waiting for their
// completion event.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.programs)
	for _, q := range d.inflight {
		n += len(q)
	}
	return n
}

// DragTeaching reports whether drag teach is active.
func (d *Dispatcher) DragTeaching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dragTeach
}

func (d *Dispatcher) outcomeOf(c *command) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return c.outcome()
}

func (d *Dispatcher) track(c *command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.awaiting[c.name] = append(d.awaiting[c.name], c)
	d.byID[c.id] = c
}

func (d *Dispatcher) untrack(c *command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropAwaiting(c)
	delete(d.byID, c.id)
}

// dropAwaiting removes c from the reply queue for its command name and
// reports whether it was still there. Callers hold d.mu.
func (d *Dispatcher) dropAwaiting(c *command) bool {
	q := d.awaiting[c.name]
	for i, p := range q {
		if p == c {
			d.awaiting[c.name] = append(q[:i:i], q[i+1:]...)
			return true
		}
	}
	return false
}

// expire gives up on c's reply so a late one is not matched to a newer
// command of the same name. c keeps its last state and reports TimedOut.
func (d *Dispatcher) expire(c *command, code int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dropAwaiting(c) {
		return false
	}
	c.timedOut = true
	c.code = code
	close(c.done)
	d.remember(c)
	return true
}

func (d *Dispatcher) setState(c *command, s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !c.state.Terminal() {
		c.state = s
	}
}

// finish moves c to a terminal state. Callers hold d.mu.
func (d *Dispatcher) finish(c *command, s State, reason Reason, code, errLine int) {
	if c.state.Terminal() || c.timedOut {
		return
	}
	c.state = s
	c.reason = reason
	c.code = code
	c.errorLine = errLine
	close(c.done)
	d.remember(c)
}

// remember keeps c reportable by State and Wait for a while after it ends.
// Callers hold d.mu.
func (d *Dispatcher) remember(c *command) {
	d.history = append(d.history, c.id)
	if len(d.history) > historySize {
		delete(d.byID, d.history[0])
		d.history = d.history[1:]
	}
}

// await blocks until ch is closed. A zero timeout waits indefinitely. In
// Single mode the caller's goroutine does the reading; holding says whether
// it already owns the exchange lock.
func (d *Dispatcher) await(ctx context.Context, ch <-chan struct{}, timeout time.Duration, holding bool) error {
	if d.mode == Single {
		return d.poll(ctx, ch, timeout, holding)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return errWaitTimeout
	case <-d.closed:
		select {
		case <-ch:
			return nil
		default:
		}
		return d.closeCause()
	}
}

func (d *Dispatcher) poll(ctx context.Context, ch <-chan struct{}, timeout time.Duration, holding bool) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		select {
		case <-ch:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.closeCause(); err != nil {
			return err
		}
		slice := singlePollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errWaitTimeout
			}
			slice = min(slice, remaining)
		}

		if !holding {
			d.exchange.Lock()
			// another caller may have read our completion while we waited
			select {
			case <-ch:
				d.exchange.Unlock()
				return nil
			default:
			}
		}
		rctx, cancel := context.WithTimeout(ctx, slice)
		frame, err := d.conn.Receive(rctx)
		cancel()
		if !holding {
			d.exchange.Unlock()
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if cause := d.closeCause(); cause != nil {
				return cause
			}
			return errors.Wrap(err, "receive")
		}
		d.handleFrame(frame)
	}
}

// receiveLoop drains the command channel in Dual and Triple mode.
func (d *Dispatcher) receiveLoop(ctx context.Context) {
	for {
		frame, err := d.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warnf("command channel receive failed: %v", err)
			d.terminate(errors.Wrap(ErrConnectionLost, err.Error()))
			return
		}
		d.handleFrame(frame)
	}
}

func (d *Dispatcher) handleFrame(frame []byte) {
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		d.logger.Debugf("ignoring frame %q: %v", frame, err)
		return
	}
	if msg.IsEvent() {
		d.handleEvent(*msg.Event)
		return
	}
	d.handleReply(msg)
}

func (d *Dispatcher) handleReply(msg wire.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.awaiting[msg.Command]
	if len(q) == 0 {
		d.logger.Debugf("unsolicited reply for %s", msg.Command)
		return
	}
	c := q[0]
	d.awaiting[msg.Command] = q[1:]
	c.fields = msg.Fields
	defer close(c.replied)

	if !msg.OK {
		// send_project reports the offending program line
		line, _ := wire.Fields(msg.Fields).Int("err_line")
		d.finish(c, StateRejected, ReasonNone, CodeRejected, max(line, 0))
		return
	}
	if c.spec.onAccept != nil {
		c.spec.onAccept(d, c)
	}
	switch {
	case c.spec.motion:
		c.state = StateExecuting
		d.inflight[c.device] = append(d.inflight[c.device], c)
		if c.device == telemetry.DeviceJoint {
			d.chaining = c.connect
		}
	case c.spec.program:
		c.state = StateExecuting
		d.programs = append(d.programs, c)
	default:
		d.finish(c, StateCompleted, ReasonNone, CodeOK, 0)
	}
}

func (d *Dispatcher) handleEvent(ev telemetry.Event) {
	d.tel.Publish(ev)

	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev.Kind {
	case telemetry.EventTrajectoryState:
		q := d.inflight[ev.Device]
		if len(q) == 0 {
			d.logger.Debugf("trajectory event for %s with nothing in flight", ev.Device)
			return
		}
		n := len(q)
		if ev.TrajectoryConnect {
			n = 1
		}
		state, reason := StateCompleted, ReasonNone
		switch {
		case ev.Reason == telemetry.ReasonCancelled:
			state, reason = StateFaulted, ReasonCancelled
		case !ev.Finished:
			state, reason = StateFaulted, ReasonControllerFault
		}
		for _, c := range q[:n] {
			d.finish(c, state, reason, CodeOK, 0)
		}
		d.inflight[ev.Device] = q[n:]
	case telemetry.EventProgramFinished:
		for i, c := range d.programs {
			if c.programID != ev.ProgramID {
				continue
			}
			d.programs = append(d.programs[:i:i], d.programs[i+1:]...)
			if ev.ErrorLine != 0 {
				d.finish(c, StateFaulted, ReasonControllerFault, CodeOK, ev.ErrorLine)
			} else {
				d.finish(c, StateCompleted, ReasonNone, CodeOK, 0)
			}
			return
		}
		d.logger.Debugf("program %d finished with no run tracked", ev.ProgramID)
	}
}

// cancelAll faults every in-flight motion and program. Callers hold d.mu.
func (d *Dispatcher) cancelAll() {
	for dev, q := range d.inflight {
		for _, c := range q {
			d.finish(c, StateFaulted, ReasonCancelled, CodeOK, 0)
		}
		delete(d.inflight, dev)
	}
	for _, c := range d.programs {
		d.finish(c, StateFaulted, ReasonCancelled, CodeOK, 0)
	}
	d.programs = nil
	d.chaining = false
}

// terminate wakes every waiter with cause. The first cause wins.
func (d *Dispatcher) terminate(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return
	}
	d.closeErr = cause
	close(d.closed)
	d.tel.Close(cause)
}

func (d *Dispatcher) closeCause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeErr
}

func (d *Dispatcher) sessionInfo() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}
