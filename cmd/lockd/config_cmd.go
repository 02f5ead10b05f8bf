package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lockcoord"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lockcoordd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lockcoord/" + defaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lockcoordd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the coordinator's Config struct as flat, human-edited
// YAML keys matching the CLI flag names.
type configDefaults struct {
	Listen                string `yaml:"listen"`
	MetricsListen         string `yaml:"metrics-listen"`
	TTL                   string `yaml:"ttl"`
	SweepInterval         string `yaml:"sweep-interval"`
	JSONMax               string `yaml:"json-max"`
	ShutdownGrace         string `yaml:"shutdown-grace"`
	AcquireTimeoutDefault string `yaml:"acquire-timeout-default"`
	AcquireTimeoutMax     string `yaml:"acquire-timeout-max"`
	EnableTracing         bool   `yaml:"enable-tracing"`
	LogLevel              string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:                lockcoord.DefaultListen,
		MetricsListen:         lockcoord.DefaultMetricsListen,
		TTL:                   lockcoord.DefaultTTL.String(),
		SweepInterval:         lockcoord.DefaultSweepInterval.String(),
		JSONMax:               humanizeBytes(lockcoord.DefaultJSONMaxBytes),
		ShutdownGrace:         lockcoord.DefaultShutdownGrace.String(),
		AcquireTimeoutDefault: lockcoord.DefaultAcquireTimeout.String(),
		AcquireTimeoutMax:     lockcoord.MaxAcquireTimeout.String(),
		EnableTracing:         false,
		LogLevel:              "info",
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
