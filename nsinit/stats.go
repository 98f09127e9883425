package main

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/urfave/cli"
)

var statsCommand = cli.Command{
	Name:  "stats",
	Usage: "display cgroup telemetry for the container",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		container, err := loadContainer(context)
		if err != nil {
			return err
		}
		stats, err := container.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("cpu usage:\t%s\n", (time.Duration(stats.Cpu.UsageUsec) * time.Microsecond).String())
		fmt.Printf("throttled:\t%d periods, %s\n", stats.Cpu.NrThrottled,
			(time.Duration(stats.Cpu.ThrottledUsec) * time.Microsecond).String())
		fmt.Printf("memory:\t\t%s\n", units.BytesSize(float64(stats.MemoryCurrent)))
		return nil
	},
}
