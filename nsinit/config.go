package main

import (
	"encoding/json"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/urfave/cli"

	alice "github.com/ext-sakamoro/ALICE-Container"
)

var configCommand = cli.Command{
	Name:  "config",
	Usage: "emit a sample container.json for the given flags",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "rootfs", Value: "/var/lib/alice/rootfs", Usage: "path to the root filesystem"},
		cli.StringFlag{Name: "hostname", Value: "alice", Usage: "hostname inside the container"},
		cli.UintFlag{Name: "cpu", Usage: "cpu limit as a percentage of one core (1-100)"},
		cli.StringFlag{Name: "memory", Usage: "memory limit, e.g. 256m or 1g"},
		cli.BoolFlag{Name: "psi", Usage: "attach the pressure-driven scheduler"},
	},
	Action: func(context *cli.Context) error {
		config := &alice.Config{
			Rootfs:   context.String("rootfs"),
			Hostname: context.String("hostname"),
			Args:     []string{"/bin/sh"},
		}
		if pct := context.Uint("cpu"); pct != 0 {
			config.CpuPercent = uint32(pct)
		}
		if mem := context.String("memory"); mem != "" {
			bytes, err := units.RAMInBytes(mem)
			if err != nil {
				return fmt.Errorf("parse memory limit %q: %w", mem, err)
			}
			config.MemoryMax = uint64(bytes)
		}
		if context.Bool("psi") {
			config.Scheduler = &alice.SchedulerSpec{Psi: true}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "\t")
		return enc.Encode(config)
	},
}
