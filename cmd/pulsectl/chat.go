package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nervestack/pulse/pkg/agent"
	"github.com/nervestack/pulse/pkg/config"
)

// replyTimeout bounds how long one conversational turn may take.
const replyTimeout = 60 * time.Second

func chatCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("chat", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		modelFlag     = set.String("model", "", "Override the model declared in the config file.")
		heartbeatFlag = set.Duration("heartbeat", 0, "Override the heartbeat interval.")
		reverieFlag   = set.Bool("reverie", false, "Enable background thought generation.")
		verboseFlag   = set.Bool("verbose", false, "Log at the configured level instead of warnings only.")
		configFlag    = set.String("config", cfgPath, "Path to agent config file.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: pulsectl chat [flags]")
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
	if model := strings.TrimSpace(*modelFlag); model != "" {
		cfg.Model.Model = model
	}
	if *heartbeatFlag > 0 {
		cfg.Heartbeat.Interval = config.Duration(*heartbeatFlag)
	}
	if *reverieFlag {
		cfg.Reverie.Enabled = true
	}
	if !*verboseFlag {
		cfg.Logging.Level = "warn"
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

	out := streams.out
	fmt.Fprintf(out, "%s v%s - heartbeat-driven agent\n", ag.Name(), agent.Version)
	fmt.Fprintln(out, "Type 'exit' to quit | 'status' | 'memory' | 'core' | 'skills' | 'thoughts'")

	scanner := bufio.NewScanner(streams.in)
	for {
		fmt.Fprintf(out, "\nYou > ")
		if !scanner.Scan() {
			fmt.Fprintf(out, "\n[%s] Goodbye!\n", ag.Name())
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintf(out, "[%s] Goodbye!\n", ag.Name())
			return nil
		case "status":
			fmt.Fprintln(out, "\n=== Status ===")
			data, err := json.MarshalIndent(ag.Status(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		case "memory":
			stats := ag.MemoryStats()
			fmt.Fprintln(out, "\n=== Memory ===")
			fmt.Fprintf(out, "  core_chars: %d / %d\n", stats.CoreChars, stats.CoreLimit)
			fmt.Fprintf(out, "  recall_count: %d / %d\n", stats.RecallCount, stats.RecallLimit)
			fmt.Fprintf(out, "  archival_count: %d\n", stats.ArchivalCount)
		case "core":
			fmt.Fprintln(out, "\n=== Core Memory ===")
			fmt.Fprintln(out, ag.CoreMemory())
		case "skills":
			fmt.Fprintln(out, "\n=== Skills ===")
			for _, sk := range ag.Skills() {
				fmt.Fprintf(out, "  - %s: %s\n", sk.Name(), sk.Description())
			}
		case "thoughts":
			if !ag.Status().Reverie {
				fmt.Fprintln(out, "Reverie not enabled. Use --reverie or set reverie.enabled in the config.")
				continue
			}
			fmt.Fprintln(out, "\n=== Recent Thoughts ===")
			thoughts := ag.RecentThoughts(5)
			if len(thoughts) == 0 {
				fmt.Fprintln(out, "  (no thoughts yet)")
				continue
			}
			for _, th := range thoughts {
				fmt.Fprintf(out, "  [%s] %s\n", th.Topic, th.Content)
			}
		default:
			if err := converse(ctx, ag, line, out); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func converse(ctx context.Context, ag *agent.Agent, line string, out io.Writer) error {
	msgCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	resp, err := ag.Chat(msgCtx, line)
	switch {
	case errors.Is(err, agent.ErrNoResponse):
		fmt.Fprintf(out, "\n%s > [No response]\n", ag.Name())
	case errors.Is(err, context.Canceled):
		return err
	case err != nil:
		fmt.Fprintf(out, "\n%s > [Error] %v\n", ag.Name(), err)
	default:
		fmt.Fprintf(out, "\n%s > %s\n", ag.Name(), resp)
	}
	return nil
}
