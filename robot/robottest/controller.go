// Package robottest provides an in-process controller that speaks the command
// protocol, for tests.
package robottest

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rm_arm/telemetry"
	"rm_arm/wire"
)

// Response is what a Handler wants sent back.
type Response struct {
	// Flag overrides the reply's state flag; empty picks one from the command name.
	Flag   string
	OK     bool
	Fields map[string]any
	// Events are written right after the reply.
	Events []telemetry.Event
	// NoReply swallows the request.
	NoReply bool
}

// Handler answers one request. params excludes the command name.
type Handler func(params wire.Fields) Response

// Controller is a fake arm controller listening on 127.0.0.1.
type Controller struct {
	tb testing.TB
	ln net.Listener

	mu         sync.Mutex
	info       map[string]any
	handlers   map[string]Handler
	counts     map[string]int
	last       map[string]wire.Fields
	peers      map[*peer]struct{}
	autoFinish bool
	push       map[string]any
	dof        int
	frames     map[string]*frameStore

	wg sync.WaitGroup
}

type peer struct {
	conn net.Conn
	mu   sync.Mutex
}

func (p *peer) write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// New starts a controller reporting a 6-dof RM_65 with api 1.2.0. It is closed
// when the test ends.
func New(tb testing.TB) *Controller {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	c := &Controller{
		tb:       tb,
		ln:       ln,
		handlers: make(map[string]Handler),
		counts:   make(map[string]int),
		last:     make(map[string]wire.Fields),
		peers:    make(map[*peer]struct{}),
		frames: map[string]*frameStore{
			"tool": newFrameStore("tool_name", "tool_frame", "Arm_Tip"),
			"work": newFrameStore("frame_name", "work_frame", "Base"),
		},
	}
	c.SetInfo(6, "RM_65", "1.2.0")
	c.SetAutoFinish(true)

	c.wg.Add(1)
	go c.accept()
	tb.Cleanup(c.Close)
	return c
}

// Addr is host:port.
func (c *Controller) Addr() string { return c.ln.Addr().String() }

// Host is the listening IP.
func (c *Controller) Host() string { return c.ln.Addr().(*net.TCPAddr).IP.String() }

// Port is the listening port.
func (c *Controller) Port() int { return c.ln.Addr().(*net.TCPAddr).Port }

// SetInfo changes what get_robot_info reports.
func (c *Controller) SetInfo(dof int, model, apiVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dof = dof
	c.info = map[string]any{
		"arm_dof":            dof,
		"arm_model":          model,
		"force_type":         "B",
		"api_version":        apiVersion,
		"controller_version": "sim",
	}
}

// SetAutoFinish controls whether accepted motions and programs are followed
// by a successful completion event. When off, tests drive events with Emit.
func (c *Controller) SetAutoFinish(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoFinish = on
}

// Handle overrides the behavior for one command.
func (c *Controller) Handle(command string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[command] = h
}

// Count returns how many times command was received.
func (c *Controller) Count(command string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[command]
}

// Total returns how many requests were received.
func (c *Controller) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

// Last returns the parameters of the most recent command request.
func (c *Controller) Last(command string) wire.Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[command]
}

// Emit sends an event to every connected client.
func (c *Controller) Emit(ev telemetry.Event) {
	b, err := wire.EncodeEvent(ev)
	require.NoError(c.tb, err)
	c.broadcast(b)
}

// SendRaw writes an arbitrary line to every connected client.
func (c *Controller) SendRaw(line string) {
	c.broadcast([]byte(strings.TrimRight(line, "\n") + "\n"))
}

func (c *Controller) broadcast(b []byte) {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.write(b)
	}
}

// PushTarget returns the UDP address from the last set_realtime_push.
func (c *Controller) PushTarget() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.push == nil {
		return "", fmt.Errorf("push not configured")
	}
	f := wire.Fields(c.push)
	port, err := f.Int("port")
	if err != nil {
		return "", err
	}
	ip, _ := f.String("ip")
	if ip == "" {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, fmt.Sprint(port)), nil
}

// Broadcast sends telemetry packets to the configured push target.
func (c *Controller) Broadcast(packets ...[]byte) error {
	target, err := c.PushTarget()
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return err
	}
	defer conn.Close()
	for _, p := range packets {
		if _, err := conn.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// DropClients closes every client connection.
func (c *Controller) DropClients() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.peers {
		p.conn.Close()
	}
}

// Close stops listening and disconnects every client.
func (c *Controller) Close() {
	c.ln.Close()
	c.DropClients()
	c.wg.Wait()
}

func (c *Controller) accept() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		p := &peer{conn: conn}
		c.mu.Lock()
		c.peers[p] = struct{}{}
		c.mu.Unlock()
		c.wg.Add(1)
		go c.serve(p)
	}
}

func (c *Controller) serve(p *peer) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.peers, p)
		c.mu.Unlock()
		p.conn.Close()
	}()

	sc := bufio.NewScanner(p.conn)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := wire.DecodeMessage(line)
		if err != nil || msg.IsEvent() {
			continue
		}
		resp := c.respond(msg.Command, wire.Fields(msg.Fields))
		if resp.NoReply {
			continue
		}
		flag := resp.Flag
		if flag == "" {
			flag = defaultFlag(msg.Command)
		}
		reply, err := wire.EncodeReply(msg.Command, flag, resp.OK, resp.Fields)
		if err != nil {
			continue
		}
		if p.write(reply) != nil {
			return
		}
		for _, ev := range resp.Events {
			b, err := wire.EncodeEvent(ev)
			if err != nil {
				continue
			}
			if p.write(b) != nil {
				return
			}
		}
	}
}

func defaultFlag(command string) string {
	switch {
	case strings.HasPrefix(command, "get_"):
		return ""
	case strings.HasPrefix(command, "change_"):
		return wire.FlagChange
	case strings.HasPrefix(command, "update_"):
		return wire.FlagUpdate
	case strings.HasPrefix(command, "delete_"):
		return wire.FlagDelete
	case strings.HasPrefix(command, "move"), command == "set_program_id_run", strings.HasPrefix(command, "set_gripper_"),
		command == "set_lift_height", command == "set_expand_pos", command == "send_project":
		return wire.FlagReceive
	default:
		return wire.FlagSet
	}
}

func (c *Controller) respond(command string, params wire.Fields) Response {
	c.mu.Lock()
	c.counts[command]++
	c.last[command] = params
	h, custom := c.handlers[command]
	auto := c.autoFinish
	c.mu.Unlock()

	if custom {
		return h(params)
	}

	switch command {
	case "get_robot_info":
		c.mu.Lock()
		defer c.mu.Unlock()
		return Response{OK: true, Fields: c.info}
	case "movej", "movel", "movej_p", "moves", "movec":
		return motionResponse(auto, telemetry.DeviceJoint, params)
	case "set_gripper_release", "set_gripper_pick", "set_gripper_position":
		return motionResponse(auto, telemetry.DeviceGripper, params)
	case "set_lift_height":
		return motionResponse(auto, telemetry.DeviceLift, params)
	case "set_expand_pos":
		return motionResponse(auto, telemetry.DeviceExpand, params)
	case "movej_canfd":
		return Response{NoReply: true}
	case "send_project":
		return Response{OK: true, Fields: map[string]any{"err_line": -1}}
	case "set_program_id_run":
		r := Response{OK: true}
		if id, err := params.Int("id"); err == nil && auto {
			r.Events = []telemetry.Event{{Kind: telemetry.EventProgramFinished, ProgramID: id}}
		}
		return r
	case "set_realtime_push":
		c.mu.Lock()
		c.push = params
		c.mu.Unlock()
		return Response{OK: true}
	case "get_realtime_push":
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.push == nil {
			return Response{OK: true, Fields: map[string]any{"cycle": 5, "enable": false, "port": 8089, "ip": ""}}
		}
		return Response{OK: true, Fields: c.push}
	case "get_current_arm_state":
		c.mu.Lock()
		dof := c.dof
		c.mu.Unlock()
		return Response{OK: true, Fields: map[string]any{"arm_state": map[string]any{
			"joint":   make([]int, dof),
			"pose":    []int{300000, 0, 400000, 3141, 0, 0},
			"arm_err": 0,
			"sys_err": 0,
			"err":     []int{},
		}}}
	}
	if kind, op, ok := frameCommand(command); ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.frames[kind].apply(op, params)
	}
	return Response{OK: true}
}

// frameCommand splits e.g. "change_tool_frame" into ("tool", "change").
func frameCommand(command string) (kind, op string, ok bool) {
	for _, k := range []string{"tool", "work"} {
		switch command {
		case "set_manual_" + k + "_frame":
			return k, "set", true
		case "update_" + k + "_frame":
			return k, "update", true
		case "change_" + k + "_frame":
			return k, "change", true
		case "delete_" + k + "_frame":
			return k, "delete", true
		case "get_current_" + k + "_frame":
			return k, "current", true
		}
	}
	return "", "", false
}

type frameStore struct {
	nameKey  string
	replyKey string
	current  string
	frames  map[string]map[string]any
}

func newFrameStore(nameKey, replyKey, initial string) *frameStore {
	return &frameStore{
		nameKey:  nameKey,
		replyKey: replyKey,
		current:  initial,
		frames: map[string]map[string]any{
			initial: {nameKey: initial, "pose": []int{0, 0, 0, 0, 0, 0}, "payload": 0},
		},
	}
}

func (s *frameStore) apply(op string, params wire.Fields) Response {
	name, _ := params.String(s.nameKey)
	_, exists := s.frames[name]
	switch op {
	case "set":
		if exists {
			return Response{OK: false}
		}
		s.frames[name] = params
	case "update":
		if !exists {
			return Response{OK: false}
		}
		s.frames[name] = params
	case "change":
		if !exists {
			return Response{OK: false}
		}
		s.current = name
	case "delete":
		if !exists || name == s.current {
			return Response{OK: false}
		}
		delete(s.frames, name)
	case "current":
		return Response{OK: true, Fields: map[string]any{s.replyKey: s.frames[s.current]}}
	}
	return Response{OK: true}
}

func motionResponse(auto bool, dev telemetry.Device, params wire.Fields) Response {
	r := Response{OK: true}
	if !auto {
		return r
	}
	connect, _ := params.Bool("trajectory_connect")
	r.Events = []telemetry.Event{{
		Kind:              telemetry.EventTrajectoryState,
		Finished:          true,
		Device:            dev,
		TrajectoryConnect: connect,
	}}
	return r
}
