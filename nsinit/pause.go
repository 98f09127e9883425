package main

import "github.com/urfave/cli"

var pauseCommand = cli.Command{
	Name:  "pause",
	Usage: "pause the container's processes",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		return container.Pause()
	},
}

var unpauseCommand = cli.Command{
	Name:  "unpause",
	Usage: "unpause the container's processes",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		return container.Resume()
	},
}
