// Package scheduler runs the periodic subscription refresh and export jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"calrecur/internal/config"
	"calrecur/internal/ics"
	appLog "calrecur/internal/log"
	"calrecur/internal/metrics"
	"calrecur/internal/model"
	"calrecur/internal/store"
)

const jobTimeout = 2 * time.Minute

// Store is the persistence the jobs need.
type Store interface {
	ReplaceSource(ctx context.Context, sourceID string, cal *ics.Calendar) (store.ImportResult, error)
	AllEvents(ctx context.Context) ([]model.Event, error)
	Categories(ctx context.Context) ([]model.Category, error)
}

// Fetcher downloads subscription bodies.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

type Options struct {
	// RefreshSpec and ExportSpec are standard 5-field cron specs. An empty
	// spec disables the job.
	RefreshSpec string
	ExportSpec  string
	ExportPath  string
	Sources     []ics.Source
	Decoder     ics.Decoder
	Encoder     ics.Encoder
}

type Scheduler struct {
	cron    *cron.Cron
	store   Store
	fetcher Fetcher
	opts    Options
	ctx     context.Context
}

// New validates the specs and registers the jobs. Refresh is only scheduled
// when there are sources; export only when a path is set.
func New(st Store, fetcher Fetcher, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		store:   st,
		fetcher: fetcher,
		opts:    opts,
		ctx:     context.Background(),
	}

	if opts.RefreshSpec != "" && len(opts.Sources) > 0 {
		if _, err := s.cron.AddFunc(opts.RefreshSpec, s.runRefresh); err != nil {
			return nil, fmt.Errorf("refresh schedule %q: %w", opts.RefreshSpec, err)
		}
	}
	if opts.ExportSpec != "" {
		if opts.ExportPath == "" {
			return nil, errors.New("export schedule set without an export path")
		}
		if _, err := s.cron.AddFunc(opts.ExportSpec, s.runExport); err != nil {
			return nil, fmt.Errorf("export schedule %q: %w", opts.ExportSpec, err)
		}
	}
	return s, nil
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background until Stop. Jobs derive their
// context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	appLog.Info("scheduler started", "jobs", s.Jobs())
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) runRefresh() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		appLog.Error("scheduled refresh failed", err)
	}
}

func (s *Scheduler) runExport() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	if err := s.Export(ctx); err != nil {
		appLog.Error("scheduled export failed", err)
	}
}

// Refresh fetches every source and replaces its events in the store. A
// failing source does not stop the others; the joined error is returned.
func (s *Scheduler) Refresh(ctx context.Context) error {
	results, errs := s.fetcher.FetchAll(ctx, s.opts.Sources)
	metrics.FeedRefresh.WithLabelValues("error").Add(float64(len(errs)))

	for _, res := range results {
		err := s.refreshOne(ctx, res)
		metrics.ObserveRefresh(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", res.Source.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) refreshOne(ctx context.Context, res ics.FetchResult) error {
	cal, err := s.opts.Decoder.ImportFeed(res.Source, res.Body)
	if err != nil {
		return err
	}
	metrics.ObserveDecode(len(cal.Events), cal.Skipped)

	out, err := s.store.ReplaceSource(ctx, res.Source.ID, cal)
	if err != nil {
		return err
	}
	appLog.Info("source refreshed",
		"id", res.Source.ID,
		"from_cache", res.FromCache,
		"events", out.Events,
		"skipped", out.Skipped,
	)
	return nil
}

// Export writes every stored event as interchange text to the export path.
func (s *Scheduler) Export(ctx context.Context) error {
	if s.opts.ExportPath == "" {
		return errors.New("export path is empty")
	}
	events, err := s.store.AllEvents(ctx)
	if err != nil {
		return err
	}
	categories, err := s.store.Categories(ctx)
	if err != nil {
		return err
	}

	text := s.opts.Encoder.Encode(events, categories)
	if err := config.WriteFileAtomic(s.opts.ExportPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	metrics.Exports.Inc()
	appLog.Info("export written", "path", s.opts.ExportPath, "events", len(events))
	return nil
}
