package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nervestack/pulse/pkg/config"
)

const (
	configDirName  = ".pulse"
	configFileName = "config.yaml"
)

func configCommand(argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("config", flag.ContinueOnError)
	set.SetOutput(streams.err)
	configFlag := set.String("config", cfgPath, "Path to agent config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: pulsectl config [flags] <init|set|get|list> ...")
		fmt.Fprintln(streams.err, "\nCommands:")
		fmt.Fprintln(streams.err, "  init             Create a new config file with defaults")
		fmt.Fprintln(streams.err, "  set key value    Update a single key")
		fmt.Fprintln(streams.err, "  get key          Print the value of a key")
		fmt.Fprintln(streams.err, "  list             Show the effective configuration")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfgPath = *configFlag
	args := set.Args()
	if len(args) == 0 {
		set.Usage()
		return errors.New("config expects a subcommand")
	}
	switch args[0] {
	case "init":
		return configInit(cfgPath, streams.out)
	case "set":
		return configSet(cfgPath, args[1:], streams.out)
	case "get":
		return configGet(cfgPath, args[1:], streams.out)
	case "list":
		return configList(cfgPath, streams.out)
	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

func configInit(path string, out io.Writer) error {
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config already exists at %s", resolved)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("check config: %w", err)
	}
	if err := config.WriteFile(resolved, config.Default()); err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintf(out, "created %s\n", resolved)
	}
	return nil
}

func configSet(path string, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("config set requires <key> <value>")
	}
	key := strings.ToLower(strings.TrimSpace(args[0]))
	value := strings.TrimSpace(strings.Join(args[1:], " "))
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return err
	}
	cfg, err := loadAgentConfig(resolved)
	if err != nil {
		return err
	}
	if err := applyConfigKey(cfg, key, value); err != nil {
		return err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.WriteFile(resolved, cfg); err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintf(out, "%s updated\n", key)
	}
	return nil
}

func configGet(path string, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("config get requires a key")
	}
	key := strings.ToLower(strings.TrimSpace(args[0]))
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return err
	}
	cfg, err := loadAgentConfig(resolved)
	if err != nil {
		return err
	}
	value, err := configValue(cfg, key)
	if err != nil {
		return err
	}
	if out != nil {
		fmt.Fprintln(out, value)
	}
	return nil
}

func configList(path string, out io.Writer) error {
	resolved, err := resolveConfigPath(path)
	if err != nil {
		return err
	}
	cfg, err := loadAgentConfig(resolved)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func applyConfigKey(cfg *config.Config, key, value string) error {
	switch key {
	case "agent_id":
		cfg.AgentID = value
	case "persona":
		cfg.Persona = value
	case "model.provider":
		cfg.Model.Provider = value
	case "model.model":
		cfg.Model.Model = value
	case "model.api_key":
		cfg.Model.APIKey = value
	case "model.base_url":
		cfg.Model.BaseURL = value
	case "memory.driver":
		cfg.Memory.Driver = value
	case "memory.dir":
		cfg.Memory.Dir = value
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("server.port: %w", err)
		}
		cfg.Server.Port = port
	case "heartbeat.interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("heartbeat.interval: %w", err)
		}
		cfg.Heartbeat.Interval = config.Duration(d)
	case "reverie.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("reverie.enabled: %w", err)
		}
		cfg.Reverie.Enabled = enabled
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.encoding":
		cfg.Logging.Encoding = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func configValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "agent_id":
		return cfg.AgentID, nil
	case "persona":
		return cfg.Persona, nil
	case "model.provider":
		return cfg.Model.Provider, nil
	case "model.model":
		return cfg.Model.Model, nil
	case "model.api_key":
		return cfg.Model.APIKey, nil
	case "model.base_url":
		return cfg.Model.BaseURL, nil
	case "memory.driver":
		return cfg.Memory.Driver, nil
	case "memory.dir":
		return cfg.Memory.Dir, nil
	case "server.host":
		return cfg.Server.Host, nil
	case "server.port":
		return strconv.Itoa(cfg.Server.Port), nil
	case "heartbeat.interval":
		return cfg.Heartbeat.Interval.String(), nil
	case "reverie.enabled":
		return strconv.FormatBool(cfg.Reverie.Enabled), nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.encoding":
		return cfg.Logging.Encoding, nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}

// loadAgentConfig reads the file at path, falling back to defaults when
// it does not exist.
func loadAgentConfig(path string) (*config.Config, error) {
	loader, err := config.NewLoader(path)
	if err != nil {
		return nil, err
	}
	return loader.Load()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", configFileName)
	}
	return filepath.Join(home, configDirName, configFileName)
}

func resolveConfigPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = defaultConfigPath()
	}
	clean := filepath.Clean(config.ExpandHome(trimmed))
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Abs(clean)
}
