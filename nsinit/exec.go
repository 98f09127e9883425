package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/containerd/errdefs"
	alice "github.com/ext-sakamoro/ALICE-Container"
)

var execCommand = cli.Command{
	Name:  "exec",
	Usage: "execute a new command inside a container",
	Flags: []cli.Flag{
		idFlag,
		cli.StringFlag{Name: "config", Value: "", Usage: "path to the configuration file"},
		cli.StringFlag{Name: "cwd", Value: "", Usage: "set the current working dir"},
		cli.UintFlag{Name: "grace", Value: 1000, Usage: "stop grace period in milliseconds"},
	},
	Action: func(context *cli.Context) error {
		status, err := execContainer(context)
		if err != nil {
			return err
		}
		os.Exit(status)
		return nil
	},
}

// execContainer runs the command in the named container, creating and
// starting it first when it does not exist yet. A container this
// command created is stopped and destroyed on the way out.
func execContainer(context *cli.Context) (int, error) {
	factory, err := loadFactory(context)
	if err != nil {
		return -1, err
	}
	id := context.String("id")
	created := false
	container, err := factory.Load(id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return -1, err
		}
		config, err := loadConfig(context)
		if err != nil {
			return -1, err
		}
		if container, err = factory.Create(id, config); err != nil {
			return -1, err
		}
		created = true
		if err := container.Start(); err != nil {
			return -1, err
		}
	}
	defer func() {
		if created {
			if err := container.Stop(uint32(context.Uint("grace"))); err != nil {
				logrus.Error(err)
			}
			if err := container.Destroy(); err != nil {
				logrus.Error(err)
			}
		}
	}()

	process := &alice.Process{
		Args:   context.Args(),
		Env:    os.Environ(),
		Cwd:    context.String("cwd"),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	return container.Exec(process)
}
