package rm_arm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"rm_arm/robot"
)

var TelemetrySensorModel = resource.NewModel("devrel", "rm_arm", "telemetry")

// recentEvents is how many bus events Readings reports.
const recentEvents = 16

func init() {
	resource.RegisterComponent(sensor.API, TelemetrySensorModel,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: newTelemetrySensor,
		},
	)
}

type telemetrySensor struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	cfg     *Config
	handle  *sessionHandle
	workers *utils.StoppableWorkers

	mu         sync.Mutex
	events     []map[string]interface{}
	eventCount uint64
}

func newTelemetrySensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewTelemetrySensor(ctx, nil, rawConf.ResourceName(), conf, logger)
}

// NewTelemetrySensor reports a controller's telemetry and event stream, and
// exposes the raw command set through DoCommand.
func NewTelemetrySensor(ctx context.Context, registry *SessionRegistry, name resource.Name, conf *Config, logger logging.Logger) (sensor.Sensor, error) {
	handle, err := acquireSession(ctx, registry, conf, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize telemetry sensor")
	}
	ts := &telemetrySensor{
		name:   name,
		logger: logger,
		cfg:    conf,
		handle: handle,
	}

	if conf.PushCycleMs > 0 {
		if err := ts.startPush(ctx); err != nil {
			return nil, multierr.Combine(err, handle.release(ctx))
		}
	}

	sub := handle.session.Telemetry().Subscribe()
	ts.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		defer sub.Close()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Debugf("event stream ended: %v", err)
				}
				return
			}
			ts.record(eventMap(ev))
		}
	})
	return ts, nil
}

// startPush points the controller's broadcast at this session's listener.
func (ts *telemetrySensor) startPush(ctx context.Context) error {
	s := ts.handle.session
	if s.Mode() != robot.Triple {
		ts.logger.Warnf("push_cycle_ms ignored: %s mode has no telemetry listener", s.Mode())
		return nil
	}
	udp, ok := s.TelemetryAddr().(*net.UDPAddr)
	if !ok {
		return errors.New("no telemetry listener address")
	}
	custom := robot.PushCustom{
		JointSpeed: robot.PushKeep, LiftState: robot.PushKeep, ExpandState: robot.PushKeep, HandState: robot.PushKeep,
		ArmCurrentStatus: robot.PushKeep, AlohaState: robot.PushKeep, PlusBase: robot.PushKeep, PlusState: robot.PushKeep,
	}
	out, err := s.Dispatcher().ConfigurePush(ctx, robot.PushConfig{
		Cycle:   ts.cfg.PushCycleMs,
		Enabled: true,
		Port:    udp.Port,
		IP:      ts.cfg.PushIP,
		Custom:  custom,
	})
	if err != nil {
		return errors.Wrap(err, "failed to configure telemetry push")
	}
	ts.logger.Infof("telemetry push every %dms to port %d (%s)", ts.cfg.PushCycleMs, udp.Port, out.Status)
	return nil
}

func (ts *telemetrySensor) record(ev map[string]interface{}) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.eventCount++
	ts.events = append(ts.events, ev)
	if len(ts.events) > recentEvents {
		ts.events = ts.events[len(ts.events)-recentEvents:]
	}
}

func (ts *telemetrySensor) Name() resource.Name {
	return ts.name
}

func (ts *telemetrySensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	s := ts.handle.session
	tel := s.Telemetry()
	readings := snapshotReadings(tel.Latest())
	readings["updates"] = int(tel.Updates())
	readings["dropped"] = int(tel.Dropped())
	readings["mode"] = s.Mode().String()
	readings["in_flight"] = s.Dispatcher().InFlight()
	readings["chaining"] = s.Dispatcher().Chaining()
	readings["drag_teach"] = s.Dispatcher().DragTeaching()

	ts.mu.Lock()
	events := make([]interface{}, len(ts.events))
	for i, ev := range ts.events {
		events[i] = ev
	}
	readings["event_count"] = int(ts.eventCount)
	ts.mu.Unlock()
	readings["recent_events"] = events
	return readings, nil
}

func (ts *telemetrySensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	d := ts.handle.dispatcher()
	opts := robot.MotionOptions{
		Speed:    intArg(cmd, "speed", ts.cfg.DefaultSpeed),
		Blocking: true,
	}
	if b, ok := cmd["blocking"].(bool); ok {
		opts.Blocking = b
	}
	if r, ok := numberArg(cmd, "radius"); ok {
		opts.Radius = r
	}
	if c, ok := cmd["trajectory_connect"].(bool); ok {
		opts.TrajectoryConnect = c
	}

	switch cmd["command"] {
	case robot.CmdMoveJ:
		joints, err := jointsArg(cmd, "joints")
		if err != nil {
			return nil, err
		}
		return outcomeMap(d.MoveJ(ctx, joints, opts))

	case robot.CmdMoveL, robot.CmdMoveJP, robot.CmdMoveS:
		pose, err := poseArg(cmd, "pose")
		if err != nil {
			return nil, err
		}
		switch cmd["command"] {
		case robot.CmdMoveL:
			return outcomeMap(d.MoveL(ctx, pose, opts))
		case robot.CmdMoveJP:
			return outcomeMap(d.MoveJP(ctx, pose, opts))
		default:
			return outcomeMap(d.MoveS(ctx, pose, opts))
		}

	case robot.CmdMoveC:
		via, err := poseArg(cmd, "via")
		if err != nil {
			return nil, err
		}
		to, err := poseArg(cmd, "to")
		if err != nil {
			return nil, err
		}
		return outcomeMap(d.MoveC(ctx, via, to, intArg(cmd, "loop", 0), opts))

	case "stop":
		return outcomeMap(d.Stop(ctx))
	case "slow_stop":
		return outcomeMap(d.SlowStop(ctx))
	case "pause":
		return outcomeMap(d.Pause(ctx))
	case "continue":
		return outcomeMap(d.Continue(ctx))

	case "configure_push":
		cur, err := d.GetPushConfig(ctx)
		if err != nil {
			return nil, err
		}
		p, err := pushConfigArg(cmd, cur)
		if err != nil {
			return nil, err
		}
		return outcomeMap(d.ConfigurePush(ctx, p))

	case "get_push_config":
		p, err := d.GetPushConfig(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"cycle":            p.Cycle,
			"enable":           p.Enabled,
			"port":             p.Port,
			"ip":               p.IP,
			"force_coordinate": p.ForceCoordinate.String(),
		}, nil

	case "robot_info":
		info, err := ts.handle.session.RobotInfo()
		if err != nil {
			return nil, err
		}
		return info.Map(), nil

	case "arm_state":
		st, err := d.ArmState(ctx)
		if err != nil {
			return nil, err
		}
		errs := make([]interface{}, len(st.ErrorList))
		for i, e := range st.ErrorList {
			errs[i] = e
		}
		return map[string]interface{}{
			"joints":   jointsList(st.Joints),
			"pose":     poseMap(st.Pose),
			"arm_err":  st.ArmError,
			"sys_err":  st.SysError,
			"err_list": errs,
		}, nil

	case "forward_kinematics":
		joints, err := jointsArg(cmd, "joints")
		if err != nil {
			return nil, err
		}
		k, err := d.Kinematics()
		if err != nil {
			return nil, err
		}
		pose, err := k.ForwardKinematics(joints)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pose": poseMap(pose)}, nil

	case "inverse_kinematics":
		seed, err := jointsArg(cmd, "seed")
		if err != nil {
			return nil, err
		}
		in, err := poseArg(cmd, "pose")
		if err != nil {
			return nil, err
		}
		target, err := in.Resolve()
		if err != nil {
			return nil, err
		}
		k, err := d.Kinematics()
		if err != nil {
			return nil, err
		}
		joints, err := k.InverseKinematics(seed, target, in.Mode)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"joints": jointsList(joints)}, nil

	case "command_state", "wait":
		idStr, _ := cmd["id"].(string)
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, errors.Wrap(err, "'id' must be a command id")
		}
		if cmd["command"] == "wait" {
			return outcomeMap(d.Wait(ctx, id))
		}
		out, ok := d.State(id)
		if !ok {
			return nil, fmt.Errorf("unknown command %s", id)
		}
		return outcomeMap(out, nil)

	case "configure":
		name, _ := cmd["name"].(string)
		params, _ := cmd["params"].(map[string]interface{})
		return outcomeMap(d.Configure(ctx, name, params))

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (ts *telemetrySensor) Close(ctx context.Context) error {
	ts.workers.Stop()
	return ts.handle.release(ctx)
}
