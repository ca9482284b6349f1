package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/planrun/internal/logbuf"
	"github.com/CZERTAINLY/planrun/internal/model"
	"github.com/CZERTAINLY/planrun/internal/poll"
	"github.com/CZERTAINLY/planrun/internal/store"
)

// Service is the process root: it owns the log buffer shared by the
// launcher and the poller, the optional history database and the
// optional sweep scheduler.
type Service struct {
	cfg       model.Config
	cache     *logbuf.Cache
	launcher  *Launcher
	poller    *poll.Poller
	db        *sql.DB
	scheduler gocron.Scheduler
}

func New(ctx context.Context, cfg model.Config, opts ...LauncherOption) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	cfg = cfg.Defaults()

	retention, err := cfg.Cache.RetentionWindow()
	if err != nil {
		return nil, err
	}
	logsDir, err := filepath.Abs(cfg.Service.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving logs dir: %w", err)
	}

	s := &Service{
		cfg:   cfg,
		cache: logbuf.New(retention),
	}

	if cfg.Service.DB != "" {
		s.db, err = store.InitDB(ctx, cfg.Service.DB)
		if err != nil {
			return nil, fmt.Errorf("initializing history db: %w", err)
		}
		opts = append([]LauncherOption{WithHistory(s.db)}, opts...)
	}

	s.launcher, err = NewLauncher(cfg.Runner, logsDir, s.cache, opts...)
	if err != nil {
		return nil, errors.Join(err, s.closeDB())
	}
	s.poller = poll.New(s.cache, logsDir)

	if cfg.Cache.Sweep != "" {
		s.scheduler, err = newScheduler(ctx, cfg.Cache.Sweep, func() {
			if n := s.cache.Sweep(); n > 0 {
				slog.DebugContext(ctx, "evicted completed logs", "count", n)
			}
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("cache.sweep: %w", err), s.closeDB())
		}
		s.scheduler.Start()
	}
	return s, nil
}

func (s *Service) Config() model.Config {
	return s.cfg
}

func (s *Service) Cache() *logbuf.Cache {
	return s.cache
}

func (s *Service) Launcher() *Launcher {
	return s.launcher
}

// Launch starts an execution, see Launcher.Launch.
func (s *Service) Launch(ctx context.Context, req Request) *Execution {
	return s.launcher.Launch(ctx, req)
}

// GetLog polls the output of an execution, see poll.Poller.GetLog.
func (s *Service) GetLog(ctx context.Context, logPath string, from int, mode poll.Mode) poll.LogResult {
	return s.poller.GetLog(ctx, logPath, from, mode)
}

// History lists the recorded executions, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]store.ExecutionRow, error) {
	if s.db == nil {
		return nil, errors.New("history is disabled, set service.db")
	}
	return store.List(ctx, s.db, limit)
}

// Close cancels the running executions and releases the resources.
func (s *Service) Close() error {
	s.launcher.Close()
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutting down gocron: %w", err))
		}
	}
	errs = append(errs, s.closeDB())
	return errors.Join(errs...)
}

func (s *Service) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func newScheduler(ctx context.Context, expr string, task func()) (gocron.Scheduler, error) {
	schedule, err := model.ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if schedule.Cron != "" {
		job = gocron.CronJob(schedule.Cron, false)
	} else {
		job = gocron.DurationJob(schedule.Every)
	}
	slog.DebugContext(ctx, "successfully parsed", "schedule", schedule.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing gocron job: %w", err), s.Shutdown())
	}
	return s, nil
}
