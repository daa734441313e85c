package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/nervestack/pulse/pkg/agent"
)

var agentFactory = agent.New

func runCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("run", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		modelFlag   = set.String("model", "", "Override the model declared in the config file.")
		timeoutFlag = set.Duration("timeout", 30*time.Second, "How long to wait for the reply.")
		configFlag  = set.String("config", cfgPath, "Path to agent config file.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: pulsectl run [flags] \"prompt\"")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nExamples:")
		fmt.Fprintln(streams.err, "  pulsectl run \"what did we talk about yesterday?\"")
		fmt.Fprintln(streams.err, "  pulsectl run --model gpt-4o-mini \"summarize your core memory\"")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	input := strings.TrimSpace(strings.Join(set.Args(), " "))
	if input == "" {
		return errors.New("run requires a prompt")
	}
	cfg, err := loadAgentConfig(*configFlag)
	if err != nil {
		return err
	}
	if model := strings.TrimSpace(*modelFlag); model != "" {
		cfg.Model.Model = model
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ag, err := agentFactory(ctx, cfg, agent.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = ag.Stop() }()

	runCtx, cancel := context.WithTimeout(ctx, *timeoutFlag)
	defer cancel()
	resp, err := ag.Chat(runCtx, input)
	switch {
	case errors.Is(err, agent.ErrNoResponse):
		fmt.Fprintln(streams.out, "[No response]")
	case errors.Is(err, context.Canceled):
		return err
	case err != nil:
		fmt.Fprintf(streams.out, "[Error] %v\n", err)
	default:
		fmt.Fprintln(streams.out, resp)
	}
	return nil
}
