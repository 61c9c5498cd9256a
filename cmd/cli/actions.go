package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	rmArm "rm_arm"
	"rm_arm/posemath"
	"rm_arm/robot"
	"rm_arm/telemetry"
)

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("rmctl")
	}
	return logging.NewLogger("rmctl")
}

// sessionConfig layers the global flags over --config and the environment.
func sessionConfig(c *cli.Context, logger logging.Logger) (robot.Config, error) {
	cfg := &rmArm.Config{
		Host:       c.String(flagHost),
		Port:       c.Int(flagPort),
		ThreadMode: c.String(flagMode),
	}
	if path := c.String(flagConfig); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return robot.Config{}, err
		}
		cfg.ConfigFile = abs
	} else {
		env, err := rmArm.LoadConfig("")
		if err != nil {
			return robot.Config{}, err
		}
		if cfg.Host == "" {
			cfg.Host = env.Host
		}
		if cfg.Port == 0 {
			cfg.Port = env.Port
		}
		if cfg.ThreadMode == "" {
			cfg.ThreadMode = env.ThreadMode
		}
	}
	return cfg.SessionConfig(logger)
}

// withSession opens a session for the duration of fn.
func withSession(c *cli.Context, fn func(ctx context.Context, s *robot.Session, logger logging.Logger) error) (err error) {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	logger := newLogger(c)
	cfg, err := sessionConfig(c, logger)
	if err != nil {
		return err
	}
	s, err := robot.Open(ctx, cfg, logger)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", cfg.Address())
	}
	defer func() {
		if cerr := s.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s, logger)
}

func printInfo(c *cli.Context, info robot.Info) {
	w := c.App.Writer
	fmt.Fprintf(w, "model:       %s\n", info.Model)
	fmt.Fprintf(w, "dof:         %d\n", info.DOF)
	fmt.Fprintf(w, "force:       %s\n", info.ForceSensor)
	if info.APIVersion != nil {
		fmt.Fprintf(w, "api:         %s\n", info.APIVersion)
	}
	fmt.Fprintf(w, "controller:  %s\n", info.ControllerVersion)
}

// ProbeAction checks one address without opening a full session.
func ProbeAction(c *cli.Context) error {
	addr := c.Args().First()
	if addr == "" {
		cfg, err := sessionConfig(c, newLogger(c))
		if err != nil {
			addr = rmArm.DefaultControllerAddress
		} else {
			addr = cfg.Address()
		}
	}
	info, err := robot.Probe(c.Context, addr, time.Second)
	if err != nil {
		return errors.Wrapf(err, "no controller at %s", addr)
	}
	fmt.Fprintf(c.App.Writer, "found controller at %s\n", addr)
	printInfo(c, info)
	return nil
}

func InfoAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *robot.Session, _ logging.Logger) error {
		info, err := s.RobotInfo()
		if err != nil {
			return err
		}
		printInfo(c, info)
		return nil
	})
}

func StateAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *robot.Session, _ logging.Logger) error {
		st, err := s.Dispatcher().ArmState(ctx)
		if err != nil {
			return err
		}
		w := c.App.Writer
		fmt.Fprintf(w, "joints (deg): %v\n", []float64(st.Joints))
		fmt.Fprintf(w, "pose:         %s\n", st.Pose)
		fmt.Fprintf(w, "arm_err:      %d\n", st.ArmError)
		fmt.Fprintf(w, "sys_err:      %d\n", st.SysError)
		if len(st.ErrorList) > 0 {
			fmt.Fprintf(w, "errors:       %v\n", st.ErrorList)
		}
		return nil
	})
}

func MoveJAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("movej needs one angle per joint")
	}
	joints := make(posemath.JointVector, c.NArg())
	for i, a := range c.Args().Slice() {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return errors.Wrapf(err, "joint %d", i+1)
		}
		joints[i] = v
	}
	return withSession(c, func(ctx context.Context, s *robot.Session, logger logging.Logger) error {
		logger.Infof("moving to %v at %d%%", []float64(joints), c.Int(flagSpeed))
		out, err := s.Dispatcher().MoveJ(ctx, joints, robot.MotionOptions{Speed: c.Int(flagSpeed), Blocking: true})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s %s (code %d)\n", out.Command, out.Status, out.Code)
		if out.Status != robot.StatusCompleted {
			return errors.Errorf("movej did not complete: %s", out.Status)
		}
		return nil
	})
}

func StopAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *robot.Session, _ logging.Logger) error {
		out, err := s.Dispatcher().Stop(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "stop %s\n", out.Status)
		return nil
	})
}

// WatchAction prints every event and, with --interval, periodic snapshots.
func WatchAction(c *cli.Context) error {
	return withSession(c, func(ctx context.Context, s *robot.Session, logger logging.Logger) error {
		w := c.App.Writer
		tel := s.Telemetry()
		if interval := c.Duration("interval"); interval > 0 {
			if s.Mode() != robot.Triple {
				logger.Warnf("%s mode has no telemetry listener; snapshots will stay empty", s.Mode())
			}
			workers := utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
					snap := tel.Latest()
					fmt.Fprintf(w, "seq=%d status=%s err=%d joints=%v\n",
						snap.Seq, snap.ArmStatus, snap.ErrCode, []float64(snap.JointPositions()))
				}
			})
			defer workers.Stop()
		}

		for ev, err := range tel.Events(ctx) {
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			switch ev.Kind {
			case telemetry.EventProgramFinished:
				fmt.Fprintf(w, "%s program=%d error_line=%d\n", ev.Kind, ev.ProgramID, ev.ErrorLine)
			default:
				fmt.Fprintf(w, "%s device=%s finished=%t connect=%t %s\n",
					ev.Kind, ev.Device, ev.Finished, ev.TrajectoryConnect, ev.Reason)
			}
		}
		return nil
	})
}
