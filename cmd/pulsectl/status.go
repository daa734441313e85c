package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
)

func statusCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("status", flag.ContinueOnError)
	set.SetOutput(streams.err)
	configFlag := set.String("config", cfgPath, "Path to agent config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: pulsectl status [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := loadAgentConfig(*configFlag)
	if err != nil {
		return err
	}
	ag, err := agentFactory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	defer func() { _ = ag.Stop() }()

	data, err := json.MarshalIndent(ag.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(streams.out, string(data))
	return nil
}
