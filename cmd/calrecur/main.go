package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"calrecur/internal/config"
	"calrecur/internal/ics"
	appLog "calrecur/internal/log"
	"calrecur/internal/metrics"
	"calrecur/internal/model"
	"calrecur/internal/scheduler"
	"calrecur/internal/store"
	"calrecur/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	importPath string
	exportPath string
	expandPath string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.ApplyEnv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "env_file", flags.envFile)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("calrecur starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"database", conf.Database,
		"max_instances", conf.MaxInstances,
		"refresh", conf.RefreshCron,
		"subscriptions", len(conf.Subscriptions),
		"export_path", conf.Export.Path,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("calrecur failed", err)
		os.Exit(1)
	}
	appLog.Info("calrecur exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	st, err := store.Open(ctx, conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := scheduler.New(st, ics.NewFetcher(conf.CacheDir), scheduler.Options{
		RefreshSpec: conf.RefreshCron,
		ExportSpec:  conf.Export.Cron,
		ExportPath:  conf.Export.Path,
		Sources:     conf.Sources(),
		Decoder:     conf.Decoder(),
		Encoder:     conf.Encoder(),
	})
	if err != nil {
		return err
	}

	oneShot := false
	if flags.expandPath != "" {
		oneShot = true
		if err := runExpand(ctx, conf, st, flags.expandPath); err != nil {
			return fmt.Errorf("expand: %w", err)
		}
	}
	if flags.importPath != "" {
		oneShot = true
		if err := runImport(ctx, conf, st, flags.importPath); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}
	if flags.once {
		oneShot = true
		if len(conf.Subscriptions) > 0 {
			if err := sched.Refresh(ctx); err != nil {
				appLog.Error("refresh completed with errors", err)
			}
		}
		if conf.Export.Path != "" {
			if err := sched.Export(ctx); err != nil {
				return fmt.Errorf("export: %w", err)
			}
		}
	}
	if flags.exportPath != "" {
		oneShot = true
		if err := runExport(ctx, conf, st, flags.exportPath); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	if oneShot {
		return nil
	}

	sched.Start(ctx)
	defer sched.Stop()

	srv := web.NewServer(conf, st)
	return srv.Serve(ctx)
}

// runExpand expands the template in path, stores the instances and prints
// them as JSON on stdout.
func runExpand(ctx context.Context, conf *config.Config, st *store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tmpl model.Event
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return err
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.End.IsZero() {
		tmpl.End = tmpl.Start
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	if err := tmpl.Validate(); err != nil {
		return err
	}

	res := conf.Expander().Run(tmpl)
	metrics.ObserveExpansion(res)
	if err := st.SaveInstances(ctx, res.Instances); err != nil {
		return err
	}
	appLog.Info("template expanded", "instances", len(res.Instances), "truncated", res.Truncated)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Instances)
}

func runImport(ctx context.Context, conf *config.Config, st *store.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cal, err := conf.Decoder().DecodeReader(f)
	if err != nil {
		return err
	}
	metrics.ObserveDecode(len(cal.Events), cal.Skipped)

	res, err := st.ImportCalendar(ctx, cal)
	if err != nil {
		return err
	}
	appLog.Info("import completed", "path", path, "events", res.Events, "skipped", res.Skipped, "new_categories", res.Categories)
	return nil
}

// runExport writes all stored events to path, or to stdout when path is "-".
func runExport(ctx context.Context, conf *config.Config, st *store.Store, path string) error {
	events, err := st.AllEvents(ctx)
	if err != nil {
		return err
	}
	categories, err := st.Categories(ctx)
	if err != nil {
		return err
	}
	text := conf.Encoder().Encode(events, categories)
	metrics.Exports.Inc()

	if path == "-" {
		_, err := io.WriteString(os.Stdout, text)
		return err
	}
	if err := config.WriteFileAtomic(path, []byte(text), 0o644); err != nil {
		return err
	}
	appLog.Info("export completed", "path", path, "events", len(events))
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional .env file with CALRECUR_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.importPath, "import", "", "Import an .ics file into the store and exit")
	flag.StringVar(&cfg.exportPath, "export", "", "Export all events as .ics to this path (\"-\" for stdout) and exit")
	flag.StringVar(&cfg.expandPath, "expand", "", "Expand a template event JSON file, store the instances and exit")
	flag.BoolVar(&cfg.once, "once", false, "Run subscription refresh and export once and exit")

	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		flag.Usage()
		os.Exit(2)
	}
	return cfg
}
