package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/nilmprep/internal"
	pkgconfig "github.com/starford/nilmprep/pkg/config"
)

// loadConfig reads the configuration file (when present), applies the
// flags the user set explicitly and validates the result.
func loadConfig(cmd *cli.Command, override func(cfg *internal.Config) error) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	found, err := pkgconfig.DecodeOptional(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !found && cmd.IsSet("config") {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	if cmd.IsSet("log-level") {
		if err := cfg.App.LogLevel.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	if cmd.IsSet("store") {
		cfg.Store.Path = cmd.String("store")
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, err
		}
	}

	if err := pkgconfig.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeCommand() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Merge a folder of CSV files into one table keyed by timestamp",
		ArgsUsage: "<folder> <output>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Usage: "join or concat"},
			&cli.StringFlag{Name: "index-column", Usage: "Index column name"},
			&cli.StringFlag{Name: "value-column", Usage: "Value column name (join mode)"},
			&cli.StringFlag{Name: "manifest", Usage: "Manifest restricting and naming the inputs"},
			&cli.StringFlag{Name: "time-unit", Usage: "Unit of epoch timestamps (s, ms, us, ns)"},
			&cli.FloatFlag{Name: "fill", Usage: "Value for missing cells"},
			&cli.BoolFlag{Name: "no-fill", Usage: "Leave missing cells empty"},
			&cli.BoolFlag{Name: "no-sort", Usage: "Keep the order of first appearance"},
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "Merge again whenever an input changes"},
			&cli.DurationFlag{Name: "debounce", Usage: "Quiet period before a watched merge"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("merge: expected <folder> <output>, got %d arguments", cmd.Args().Len())
			}
			cfg, err := loadConfig(cmd, func(cfg *internal.Config) error {
				m := &cfg.Merge
				if cmd.IsSet("mode") {
					m.Mode = cmd.String("mode")
				}
				if cmd.IsSet("index-column") {
					m.IndexColumn = cmd.String("index-column")
				}
				if cmd.IsSet("value-column") {
					m.ValueColumn = cmd.String("value-column")
				}
				if cmd.IsSet("manifest") {
					m.Manifest = cmd.String("manifest")
				}
				if cmd.IsSet("time-unit") {
					m.TimeUnit = cmd.String("time-unit")
				}
				if cmd.IsSet("fill") {
					v := cmd.Float("fill")
					m.Fill = &v
				}
				if cmd.Bool("no-fill") {
					m.Fill = nil
				}
				if cmd.Bool("no-sort") {
					m.Sort = false
				}
				if cmd.IsSet("debounce") {
					m.Debounce = internal.Duration(cmd.Duration("debounce"))
				}
				return nil
			})
			if err != nil {
				return err
			}
			req := internal.MergeRequest{
				Folder: cmd.Args().Get(0),
				Output: cmd.Args().Get(1),
				Watch:  cmd.Bool("watch"),
			}
			return internal.RunMerge(ctx, req, internal.WithConfig(cfg))
		},
	}
}

func prepareCommand() *cli.Command {
	return &cli.Command{
		Name:  "prepare",
		Usage: "Download a GeLaP household and build its merged per-second table",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "household", Usage: "Household number"},
			&cli.StringFlag{Name: "data-dir", Usage: "Folder for archives, extracted data and output"},
			&cli.StringFlag{Name: "url", Usage: "Archive URL template ({household} is substituted)"},
			&cli.StringFlag{Name: "start", Usage: "Window start, e.g. \"2020-03-17 09:30:00\""},
			&cli.StringFlag{Name: "end", Usage: "Window end"},
			&cli.BoolFlag{Name: "skip-download", Usage: "Reuse an already extracted household folder"},
			&cli.BoolFlag{Name: "keep-archive", Usage: "Keep the downloaded archive"},
			&cli.BoolFlag{Name: "keep-temp", Usage: "Keep the intermediate per-device files"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd, func(cfg *internal.Config) error {
				d := &cfg.Dataset
				if cmd.IsSet("household") {
					d.Number = int(cmd.Int("household"))
				}
				if cmd.IsSet("data-dir") {
					d.DataDir = cmd.String("data-dir")
				}
				if cmd.IsSet("url") {
					d.URLTemplate = cmd.String("url")
				}
				if cmd.IsSet("start") {
					d.Start = cmd.String("start")
				}
				if cmd.IsSet("end") {
					d.End = cmd.String("end")
				}
				if cmd.IsSet("keep-archive") {
					d.KeepArchive = cmd.Bool("keep-archive")
				}
				if cmd.IsSet("keep-temp") {
					d.KeepTemp = cmd.Bool("keep-temp")
				}
				return nil
			})
			if err != nil {
				return err
			}
			req := internal.PrepareRequest{SkipDownload: cmd.Bool("skip-download")}
			return internal.RunPrepare(ctx, req, internal.WithConfig(cfg))
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print shape, column types and summary statistics of a CSV file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the summary as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("inspect: expected <file>")
			}
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			req := internal.InspectRequest{Path: cmd.Args().First(), JSON: cmd.Bool("json")}
			return internal.RunInspect(ctx, req, internal.WithConfig(cfg))
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recorded merge and prepare runs",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum number of runs"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return internal.RunHistory(ctx, int(cmd.Int("limit")), internal.WithConfig(cfg))
		},
	}
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Replay a merged table in wall-clock time over HTTP server-sent events",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "HTTP port"},
			&cli.StringFlag{Name: "topic", Usage: "Topic prefix of published readings", Sources: cli.EnvVars("MQTT_TOPIC")},
			&cli.StringFlag{Name: "index-column", Usage: "Timestamp column (default: first column)"},
			&cli.StringFlag{Name: "time-unit", Usage: "Unit of epoch timestamps (s, ms, us, ns)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd, func(cfg *internal.Config) error {
				r := &cfg.Replay
				if cmd.Args().Present() {
					r.File = cmd.Args().First()
				}
				if cmd.IsSet("port") {
					r.HTTP.Port = int(cmd.Int("port"))
				}
				if cmd.IsSet("topic") {
					r.Topic = cmd.String("topic")
				}
				if cmd.IsSet("index-column") {
					r.IndexColumn = cmd.String("index-column")
				}
				if cmd.IsSet("time-unit") {
					r.TimeUnit = cmd.String("time-unit")
				}
				if r.File == "" {
					return errors.New("replay: no file given (argument or replay.file)")
				}
				return nil
			})
			if err != nil {
				return err
			}
			return internal.RunReplay(ctx, internal.WithConfig(cfg))
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve merge, inspect and history tools over MCP stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return internal.RunMCP(ctx, internal.WithConfig(cfg))
		},
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "nilmprep",
		Usage: "Prepare, merge and replay household energy-disaggregation datasets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("APP_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Run-history database path (empty disables recording)",
				Sources: cli.EnvVars("APP_STORE_PATH"),
			},
		},
		Commands: []*cli.Command{
			mergeCommand(),
			prepareCommand(),
			inspectCommand(),
			historyCommand(),
			replayCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
