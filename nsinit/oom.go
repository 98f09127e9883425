package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli"

	"github.com/ext-sakamoro/ALICE-Container/cgroups/fs2"
)

// cgroupRootOf strips the container's own directory off its cgroup
// path, recovering the hierarchy root the factory used.
func cgroupRootOf(cgroupPath string) string {
	return filepath.Dir(cgroupPath)
}

var oomCommand = cli.Command{
	Name:  "oom",
	Usage: "block until the container suffers an OOM kill",
	Flags: []cli.Flag{idFlag},
	Action: func(context *cli.Context) error {
		factory, err := loadFactory(context)
		if err != nil {
			return err
		}
		container, err := factory.Load(context.String("id"))
		if err != nil {
			return err
		}
		state, err := container.State()
		if err != nil {
			return err
		}
		mgr, err := fs2.Open(cgroupRootOf(state.CgroupPath), context.String("id"))
		if err != nil {
			return err
		}
		baseline, err := mgr.MemoryEventCount("oom_kill")
		if err != nil {
			return err
		}
		for {
			count, err := mgr.MemoryEventCount("oom_kill")
			if err != nil {
				return err
			}
			if count > baseline {
				fmt.Printf("oom_kill %d\n", count)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
	},
}
