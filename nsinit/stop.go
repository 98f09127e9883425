package main

import (
	"syscall"

	"github.com/moby/sys/signal"
	"github.com/urfave/cli"
)

var stopCommand = cli.Command{
	Name:  "stop",
	Usage: "stop the container's init process: SIGTERM, grace, SIGKILL",
	Flags: []cli.Flag{
		idFlag,
		cli.UintFlag{Name: "grace", Value: 1000, Usage: "grace period in milliseconds"},
	},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		return container.Stop(uint32(context.Uint("grace")))
	},
}

var killCommand = cli.Command{
	Name:  "kill",
	Usage: "send a signal to the container's init process",
	Flags: []cli.Flag{
		idFlag,
		cli.StringFlag{Name: "signal,s", Value: "TERM", Usage: "signal name or number"},
	},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		sig, err := signal.ParseSignal(context.String("signal"))
		if err != nil {
			return err
		}
		state, err := container.State()
		if err != nil {
			return err
		}
		return syscall.Kill(state.InitPid, sig)
	},
}

var destroyCommand = cli.Command{
	Name:  "destroy",
	Usage: "tear down the container's scheduler, rootfs mounts, and cgroup",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		return container.Destroy()
	},
}
