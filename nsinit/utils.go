package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	alice "github.com/ext-sakamoro/ALICE-Container"
)

// loadFactory wires the factory from the global flags, falling back to
// the ALICE_* environment defaults.
func loadFactory(context *cli.Context) (alice.Factory, error) {
	opts := &alice.Options{
		CgroupRoot: context.GlobalString("cgroup-root"),
		StateRoot:  context.GlobalString("root"),
	}
	if context.GlobalBool("debug") {
		opts.Telemetry = logTelemetry{}
	}
	return alice.New(opts)
}

// logTelemetry mirrors the event stream into the debug log.
type logTelemetry struct{}

func (logTelemetry) Emit(e alice.Event) {
	logrus.WithFields(logrus.Fields{
		"container": e.ContainerID,
		"kind":      e.Kind,
		"payload":   e.Payload,
	}).Debug("telemetry")
}

// loadConfig reads the container.json the command points at.
func loadConfig(context *cli.Context) (*alice.Config, error) {
	path := context.String("config")
	if path == "" {
		path = "container.json"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var config alice.Config
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &config, nil
}

// loadContainer rebuilds the handle for an existing container.
func loadContainer(context *cli.Context) (alice.Container, error) {
	factory, err := loadFactory(context)
	if err != nil {
		return nil, err
	}
	return factory.Load(context.String("id"))
}
