package main

import (
	"os"

	"github.com/moby/sys/reexec"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	// Importing namespaces registers the init and setns re-exec
	// entry points.
	_ "github.com/ext-sakamoro/ALICE-Container/namespaces"
)

var idFlag = cli.StringFlag{
	Name:  "id",
	Value: "alice",
	Usage: "specify the ID for a container",
}

func main() {
	if reexec.Init() {
		return
	}

	app := cli.NewApp()
	app.Name = "nsinit"
	app.Usage = "standalone container runtime"
	app.Version = "1"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "root", Usage: "root directory for container state (defaults to ALICE_ROOTFS_ROOT)"},
		cli.StringFlag{Name: "cgroup-root", Usage: "unified cgroup hierarchy mount point (defaults to ALICE_CGROUP_ROOT)"},
		cli.BoolFlag{Name: "debug", Usage: "enable debug output in the logs"},
		cli.StringFlag{Name: "log-file", Usage: "write logs to a file instead of stderr"},
	}
	app.Commands = []cli.Command{
		configCommand,
		execCommand,
		pauseCommand,
		unpauseCommand,
		stopCommand,
		killCommand,
		destroyCommand,
		stateCommand,
		statsCommand,
		oomCommand,
	}
	app.Before = func(context *cli.Context) error {
		if context.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		if path := context.GlobalString("log-file"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
