// Package main is rmctl, a command line client for bench testing a
// controller without a viam-server.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig = "config"
	flagHost   = "host"
	flagPort   = "port"
	flagMode   = "mode"
	flagDebug  = "debug"
	flagSpeed  = "speed"
)

var app = &cli.App{
	Name:            "rmctl",
	Usage:           "talk to an RM arm controller directly",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load connection settings from `FILE` (RM_ARM_* env vars override it)",
		},
		&cli.StringFlag{
			Name:  flagHost,
			Usage: "controller `HOST`",
		},
		&cli.IntFlag{
			Name:  flagPort,
			Usage: "controller TCP `PORT` (default 8080)",
		},
		&cli.StringFlag{
			Name:  flagMode,
			Usage: "thread mode: single, dual or triple",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "probe",
			Usage:     "check whether a controller answers at an address",
			ArgsUsage: "[host[:port]]",
			Action:    ProbeAction,
		},
		{
			Name:   "info",
			Usage:  "print the controller's model and versions",
			Action: InfoAction,
		},
		{
			Name:   "state",
			Usage:  "print joints, pose and error codes",
			Action: StateAction,
		},
		{
			Name:      "movej",
			Usage:     "move to joint angles in degrees and wait for arrival",
			ArgsUsage: "<j1> <j2> ... <jn>",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  flagSpeed,
					Value: 20,
					Usage: "speed percentage 1-100",
				},
			},
			Action: MoveJAction,
		},
		{
			Name:   "stop",
			Usage:  "stop the arm immediately",
			Action: StopAction,
		},
		{
			Name:  "watch",
			Usage: "stream controller events and telemetry until interrupted",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "interval",
					Usage: "how often to print a telemetry snapshot (0 disables)",
				},
			},
			Action: WatchAction,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
