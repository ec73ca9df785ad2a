// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/nilmprep/internal/api"
	"github.com/starford/nilmprep/internal/dataset"
	"github.com/starford/nilmprep/internal/inspect"
	"github.com/starford/nilmprep/internal/mcpserver"
	"github.com/starford/nilmprep/internal/merge"
	"github.com/starford/nilmprep/internal/replay"
	"github.com/starford/nilmprep/internal/sse"
	"github.com/starford/nilmprep/internal/store"
)

// ErrHistoryDisabled is returned by history when no store path is configured.
var ErrHistoryDisabled = errors.New("run history is disabled (store.path is empty)")

// MergeRequest holds the per-invocation arguments of the merge command.
type MergeRequest struct {
	Folder string
	Output string
	Watch  bool
}

// PrepareRequest holds the per-invocation arguments of the prepare command.
type PrepareRequest struct {
	SkipDownload bool
}

// InspectRequest holds the per-invocation arguments of the inspect command.
type InspectRequest struct {
	Path string
	JSON bool
}

type session struct {
	cfg     *Config
	logger  *slog.Logger
	stdout  io.Writer
	db      *store.DB // nil when recording is disabled
	closers []io.Closer
}

func (rt *session) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}

// recorder returns the run recorder, or nil when recording is disabled.
func (rt *session) recorder() store.RunRecorder {
	if rt.db == nil {
		return nil
	}
	return rt.db
}

// setup applies opts, builds the logger and opens the run-history store.
func setup(opts []Option, openStore bool) (*session, error) {
	app := &application{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config
	rt := &session{cfg: cfg, stdout: app.stdout}

	// Structured JSON logger. Stdout carries command results (and the MCP
	// protocol), so logs go to stderr or the rotated log file.
	var logOut io.Writer = app.stderr
	if lf := cfg.App.LogFile; lf.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   lf.Path,
			MaxSize:    lf.MaxSizeMB, // megabytes
			MaxBackups: lf.MaxBackups,
			MaxAge:     lf.MaxAgeDays, // days
			Compress:   lf.Compress,
		}
		rt.closers = append(rt.closers, rotated)
		logOut = rotated
	}
	rt.logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(rt.logger)

	if openStore && cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("init store: %w", err)
		}
		rt.db = db
		rt.closers = append(rt.closers, db)
	}
	return rt, nil
}

// RunMerge merges a folder once, or keeps merging on change when req.Watch is set.
func RunMerge(ctx context.Context, req MergeRequest, opts ...Option) error {
	rt, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := merge.NewService(rt.logger, rt.recorder())
	mopts := rt.cfg.Merge.Options()

	if !req.Watch {
		res, err := svc.Merge(ctx, req.Folder, req.Output, mopts)
		if err != nil {
			return err
		}
		fmt.Fprintf(rt.stdout, "%s: %d rows x %d columns from %d files\n",
			res.Output, res.Rows, res.Columns, len(res.Inputs))
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Watch(ctx, req.Folder, req.Output, mopts, time.Duration(rt.cfg.Merge.Debounce), func(res *merge.Result, err error) {
		if err == nil {
			fmt.Fprintf(rt.stdout, "%s: %d rows x %d columns from %d files\n",
				res.Output, res.Rows, res.Columns, len(res.Inputs))
		}
	})
}

// RunPrepare downloads and prepares the configured household.
func RunPrepare(ctx context.Context, req PrepareRequest, opts ...Option) error {
	rt, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	h, err := rt.cfg.Dataset.Household()
	if err != nil {
		return err
	}

	rt.logger.Info("Configuration loaded",
		slog.Int("household", h.Number),
		slog.String("data_dir", h.DataDir),
		slog.Int("devices", len(h.Labels)),
		slog.Bool("skip_download", req.SkipDownload))

	client := &http.Client{Timeout: time.Duration(rt.cfg.Dataset.Timeout)}
	p := dataset.NewPreparer(rt.logger, client, rt.recorder())
	res, err := p.Prepare(ctx, h, dataset.Options{SkipDownload: req.SkipDownload})
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.stdout, "%s: %d rows, devices %v\n", res.Output, res.Rows, res.Devices)
	return nil
}

// RunInspect prints a summary of a CSV file.
func RunInspect(_ context.Context, req InspectRequest, opts ...Option) error {
	rt, err := setup(opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := inspect.DescribeFile(req.Path)
	if err != nil {
		return err
	}
	if req.JSON {
		enc := json.NewEncoder(rt.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	return summary.Print(rt.stdout)
}

// RunHistory prints the most recent recorded runs.
func RunHistory(ctx context.Context, limit int, opts ...Option) error {
	rt, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.db == nil {
		return ErrHistoryDisabled
	}
	runs, err := rt.db.ListRuns(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(rt.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMMAND\tSTATUS\tSTARTED\tDURATION\tROWS\tCOLUMNS\tINPUTS\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Command, r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Millisecond),
			r.Rows, r.Columns, len(r.Inputs), r.Output)
		if r.Error != "" {
			fmt.Fprintf(tw, "\terror: %s\n", r.Error)
		}
	}
	return tw.Flush()
}

// RunMCP serves the MCP tools on stdin/stdout until the client disconnects.
func RunMCP(_ context.Context, opts ...Option) error {
	rt, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := merge.NewService(rt.logger, rt.recorder())
	srv := mcpserver.New(svc, rt.recorder(), rt.cfg.Merge.Options())
	rt.logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}

// RunReplay replays the configured file over HTTP/SSE until interrupted.
func RunReplay(ctx context.Context, opts ...Option) error {
	rt, err := setup(opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg.Replay
	logger := rt.logger
	if cfg.File == "" {
		return fmt.Errorf("replay: no file given")
	}

	buf, err := replay.LoadBuffer(cfg.File, cfg.IndexColumn, cfg.TimeParser())
	if err != nil {
		return err
	}
	deviceID := replay.DeviceID(cfg.File)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.HTTP.Address()),
		slog.String("file", cfg.File),
		slog.String("device_id", deviceID),
		slog.String("topic", cfg.Topic),
		slog.String("log_level", rt.cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker()
	defer broker.Close()

	player := replay.NewPlayer(buf, cfg.Topic, deviceID, replay.BrokerPublisher{Broker: broker}, nil, logger)

	// Build API router.
	h := api.NewHandler(broker, api.Status{
		File:     cfg.File,
		DeviceID: deviceID,
		Topic:    cfg.Topic,
		Rows:     buf.Len(),
		Columns:  buf.Columns(),
	}, rt.recorder())
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Address(),
		Handler: r,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	// Start the player.
	g.Go(func() error {
		return player.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancel()
		// Closing the broker ends open event streams.
		broker.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
