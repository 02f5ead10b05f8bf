package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lockcoord"
	"pkt.systems/lockcoord/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LOCKCOORD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lockcoordd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args, if executed, would
// invoke the root command itself rather than a registered subcommand. It
// walks the flag grammar so that a plain "unknown flag" typo before a real
// subcommand name is still treated as targeting the subcommand.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") && arg != "--" {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				i++
				continue
			}
			name := strings.TrimPrefix(arg, "--")
			flag := lookupLong(name)
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lockcoord"), nil
}

const defaultConfigFileName = "config.yaml"

func loadConfigFile(onChange func()) (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	if onChange != nil {
		viper.OnConfigChange(func(fsnotify.Event) { onChange() })
		viper.WatchConfig()
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg lockcoord.Config

	cmd := &cobra.Command{
		Use:           "lockcoordd",
		Short:         "lockcoordd is a localhost coordinator providing cooperative, advisory, FIFO locking on opaque keys",
		SilenceErrors: true,
		Example: `
  # bind the lock API on the default port
  lockcoordd

  # bind on a custom port and expose Prometheus metrics on a separate listener
  lockcoordd --listen :7654 --metrics-listen :7655

  # shorten the eviction window for stuck holders
  lockcoordd --ttl 30s
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to lockcoordd",
				"pid", os.Getpid(),
			)

			var server *lockcoord.Server
			reload := func() {
				cliLogger.Info("config.reloaded")
			}
			configFile, err := loadConfigFile(reload)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("config.loaded", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			cliLogger.Info("server.config",
				"listen", cfg.Listen,
				"ttl", humanize.RelTime(time.Time{}, time.Time{}.Add(cfg.TTL), "", ""),
				"sweep_interval", humanize.RelTime(time.Time{}, time.Time{}.Add(cfg.SweepInterval), "", ""),
				"metrics_listen", cfg.MetricsListen,
			)

			server = lockcoord.NewServer(cfg, lockcoord.WithLogger(logger))

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("server.shutdown_failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lockcoord/"+defaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", lockcoord.DefaultListen, "lock API listen address")
	flags.String("metrics-listen", lockcoord.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.Duration("ttl", lockcoord.DefaultTTL, "maximum time a session may hold a key before eviction is permitted")
	flags.Duration("sweep-interval", lockcoord.DefaultSweepInterval, "how often the background sweeper checks for expired holders")
	jsonMaxDefault := humanizeBytes(lockcoord.DefaultJSONMaxBytes)
	flags.String("json-max", jsonMaxDefault, "maximum JSON request body size")
	flags.Duration("shutdown-grace", lockcoord.DefaultShutdownGrace, "grace period for in-flight long-polls during shutdown")
	flags.Duration("acquire-timeout-default", lockcoord.DefaultAcquireTimeout, "/lock timeout used when the caller's timeout query parameter fails to parse")
	flags.Duration("acquire-timeout-max", lockcoord.MaxAcquireTimeout, "upper bound on every /lock timeout, and the effective timeout when the caller omits it")
	flags.Bool("enable-tracing", false, "wrap requests in OpenTelemetry spans (no exporter configured)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("LOCKCOORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{"config", "listen", "metrics-listen", "ttl", "sweep-interval", "json-max", "shutdown-grace", "acquire-timeout-default", "acquire-timeout-max", "enable-tracing", "log-level"} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newConfigCommand())

	return cmd
}

func bindConfig(cfg *lockcoord.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.TTL = viper.GetDuration("ttl")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.ShutdownGrace = viper.GetDuration("shutdown-grace")
	cfg.AcquireTimeoutDefault = viper.GetDuration("acquire-timeout-default")
	cfg.AcquireTimeoutMax = viper.GetDuration("acquire-timeout-max")
	cfg.EnableTracing = viper.GetBool("enable-tracing")
	if maxJSON := viper.GetString("json-max"); maxJSON != "" {
		size, err := humanize.ParseBytes(maxJSON)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
