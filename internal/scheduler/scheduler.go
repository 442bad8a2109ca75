package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/mrwolf/anchor-server/internal/engine"
)

// Job names
const (
	JobPass     = "scheduling-pass"
	JobDispatch = "dispatch"
	JobSnapshot = "weights-snapshot"
)

const (
	passTimeout     = 2 * time.Minute
	dispatchTimeout = 30 * time.Second
	snapshotTimeout = 30 * time.Second
)

// Runner is the work the background jobs drive
type Runner interface {
	RunPass(ctx context.Context, reason string) (*engine.PassReport, error)
	DispatchDue(ctx context.Context) (int, error)
	SnapshotWeights(ctx context.Context) error
}

// Config holds scheduler configuration
type Config struct {
	Location         *time.Location
	PassInterval     time.Duration
	DispatchInterval time.Duration
	// SnapshotHour is the local hour of the daily weights snapshot
	SnapshotHour uint
	Clock        clockwork.Clock
}

// Scheduler runs the periodic scheduling pass, the dispatch loop and the
// nightly weights snapshot.
type Scheduler struct {
	scheduler gocron.Scheduler
	runner    Runner
	cfg       Config
}

// New creates a new scheduler
func New(runner Runner, cfg Config) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = time.Hour
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Minute
	}
	if cfg.SnapshotHour == 0 || cfg.SnapshotHour > 23 {
		cfg.SnapshotHour = 3
	}

	opts := []gocron.SchedulerOption{gocron.WithLocation(cfg.Location)}
	if cfg.Clock != nil {
		opts = append(opts, gocron.WithClock(cfg.Clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		scheduler: s,
		runner:    runner,
		cfg:       cfg,
	}, nil
}

// Start registers all jobs and starts the scheduler
func (s *Scheduler) Start() error {
	// Scheduling pass, first one right away
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.PassInterval),
		gocron.NewTask(s.runPass),
		gocron.WithName(JobPass),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	_, err = s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.DispatchInterval),
		gocron.NewTask(s.dispatch),
		gocron.WithName(JobDispatch),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	_, err = s.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(s.cfg.SnapshotHour, 0, 0))),
		gocron.NewTask(s.snapshot),
		gocron.WithName(JobSnapshot),
	)
	if err != nil {
		return err
	}

	s.scheduler.Start()
	log.Println("Scheduler started")
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// JobNames lists the registered jobs
func (s *Scheduler) JobNames() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

func (s *Scheduler) runPass() error {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	report, err := s.runner.RunPass(ctx, "periodic")
	if err != nil {
		log.Printf("Scheduler: pass failed: %v", err)
		return err
	}
	if report != nil && len(report.Scheduled) > 0 {
		log.Printf("Scheduler: pass scheduled %d notifications", len(report.Scheduled))
	}
	return nil
}

func (s *Scheduler) dispatch() error {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	n, err := s.runner.DispatchDue(ctx)
	if err != nil {
		log.Printf("Scheduler: dispatch failed: %v", err)
		return err
	}
	if n > 0 {
		log.Printf("Scheduler: dispatched %d notifications", n)
	}
	return nil
}

func (s *Scheduler) snapshot() error {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if err := s.runner.SnapshotWeights(ctx); err != nil {
		log.Printf("Scheduler: weights snapshot failed: %v", err)
		return err
	}
	return nil
}
