// Package scheduler triggers pipeline runs on a cron schedule.
//
// Start returns a Job handle owned by the caller; there is no package
// level state, so independent schedulers can coexist. A trigger that fires
// while the previous run is still executing is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/pipeline"
)

// DefaultSpec fires at the top of every hour.
const DefaultSpec = "0 * * * *"

// Runner is the work a trigger performs.
type Runner interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context) *pipeline.Summary
}

// Options configures a Scheduler.
type Options struct {
	// Spec is a five-field cron expression or descriptor such as
	// "@every 30m". Default: DefaultSpec.
	Spec string

	// Location evaluates Spec. Default: UTC.
	Location *time.Location

	// RunOnStart triggers one run as soon as the job starts.
	RunOnStart bool

	Logger logger.Logger
}

// Scheduler owns at most one active Job.
type Scheduler struct {
	runner Runner
	opts   Options
	log    logger.Logger

	mu  sync.Mutex
	job *Job
}

// New creates a Scheduler for runner.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Spec == "" {
		opts.Spec = DefaultSpec
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		runner: runner,
		opts:   opts,
		log:    logger.OrDefault(opts.Logger).With(logger.Fields{"component": "scheduler"}),
	}
}

// Start initializes the runner and registers the periodic trigger.
//
// An init failure is logged and the trigger is still registered: every run
// re-attempts init. If this Scheduler already has an active job, it is
// stopped first. Cancelling ctx stops the job and cancels in-flight runs.
func (s *Scheduler) Start(ctx context.Context) (*Job, error) {
	const op = "scheduler.Start"

	schedule, err := cron.ParseStandard(s.opts.Spec)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, fmt.Sprintf("schedule %q", s.opts.Spec), err)
	}

	if err := s.runner.Init(ctx); err != nil {
		s.log.Log(logger.LevelError, logger.Fields{"err": err}, "pipeline init failed, runs will retry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != nil {
		s.job.Stop()
		s.log.Log(logger.LevelInfo, nil, "replaced active schedule")
	}

	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	job := &Job{cron: c, stopped: make(chan struct{})}
	job.entry = c.Schedule(schedule, cron.FuncJob(func() { job.run(ctx, s) }))
	// Run-on-start goes through the entry's wrapped job, so an immediate
	// run and a scheduled tick never overlap.
	wrapped := c.Entry(job.entry).WrappedJob
	c.Start()

	go func() {
		select {
		case <-ctx.Done():
			job.Stop()
		case <-job.stopped:
		}
	}()

	if s.opts.RunOnStart {
		go wrapped.Run()
	}

	s.job = job
	s.log.Log(logger.LevelInfo, logger.Fields{"spec": s.opts.Spec, "next": job.Next()}, "schedule registered")
	return job, nil
}

// Job returns the active job, or nil.
func (s *Scheduler) Job() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// Job is a registered trigger.
type Job struct {
	cron  *cron.Cron
	entry cron.EntryID

	mu       sync.Mutex
	inflight sync.WaitGroup
	once     sync.Once
	stopped  chan struct{}
	done     context.Context
}

func (j *Job) run(ctx context.Context, s *Scheduler) {
	j.mu.Lock()
	if j.Stopped() {
		j.mu.Unlock()
		return
	}
	j.inflight.Add(1)
	j.mu.Unlock()
	defer j.inflight.Done()

	sum := s.runner.Execute(ctx)
	if sum != nil {
		s.log.Log(logger.LevelDebug, logger.Fields{"run": sum.RunID, "status": sum.Status}, "scheduled run finished")
	}
}

// Stop stops the trigger. In-flight runs are not interrupted; the returned
// context is done once they finish. Stop is idempotent.
func (j *Job) Stop() context.Context {
	j.once.Do(func() {
		j.mu.Lock()
		close(j.stopped)
		j.mu.Unlock()
		cronDone := j.cron.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-cronDone.Done()
			j.inflight.Wait()
			cancel()
		}()
		j.done = ctx
	})
	return j.done
}

// Stopped reports whether Stop was called.
func (j *Job) Stopped() bool {
	select {
	case <-j.stopped:
		return true
	default:
		return false
	}
}

// Next returns the next fire time, or the zero time once stopped.
func (j *Job) Next() time.Time {
	if j.Stopped() {
		return time.Time{}
	}
	return j.cron.Entry(j.entry).Next
}

// cronLogger routes cron's internal logging into the pipeline logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		c.log.Log(logger.LevelWarn, kvFields(keysAndValues), "previous run still executing, trigger skipped")
		return
	}
	c.log.Log(logger.LevelDebug, kvFields(keysAndValues), "cron "+msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := kvFields(keysAndValues)
	f["err"] = err
	c.log.Log(logger.LevelError, f, "cron "+msg)
}

func kvFields(kv []interface{}) logger.Fields {
	f := make(logger.Fields, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
