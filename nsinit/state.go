package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli"
)

var stateCommand = cli.Command{
	Name:  "state",
	Usage: "print the container's runtime state",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		state, err := container.State()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "\t")
		return enc.Encode(state)
	},
}
