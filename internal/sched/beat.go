// Package sched runs the periodic jobs: a beat loop that enqueues due
// tasks into a worker pool, with heartbeat and backlog telemetry.
package sched

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chainpulse/chainpulse/internal/kv"
	"github.com/chainpulse/chainpulse/internal/logging"
	"github.com/chainpulse/chainpulse/internal/telemetry"
)

// Beat tunables.
const (
	DefaultBeatInterval   = 5 * time.Second
	DefaultWorkers        = 4
	DefaultQueueDepth     = 256
	BacklogSampleInterval = 30 * time.Second
)

// Job is one scheduled task. Every jobs runs on its own interval; a run
// that overlaps a still-executing prior run is skipped.
type Job struct {
	Name     string
	Queue    string
	Interval time.Duration
	Fn       func(ctx context.Context) error

	lastRun time.Time
	running bool
}

// Config holds scheduler settings.
type Config struct {
	BeatInterval time.Duration
	Workers      int
	QueueDepth   int
	HeartbeatKey string
	MaxLag       time.Duration
	BacklogWarn  int
}

// ConfigFromEnv reads the BEAT_* and CELERY_* variables.
func ConfigFromEnv() Config {
	cfg := Config{
		BeatInterval: DefaultBeatInterval,
		Workers:      DefaultWorkers,
		QueueDepth:   DefaultQueueDepth,
		HeartbeatKey: "beat:last_heartbeat",
		MaxLag:       120 * time.Second,
		BacklogWarn:  100,
	}
	if v := os.Getenv("BEAT_HEARTBEAT_KEY"); v != "" {
		cfg.HeartbeatKey = v
	}
	if v := os.Getenv("BEAT_MAX_LAG_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxLag = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CELERY_BACKLOG_WARN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BacklogWarn = n
		}
	}
	return cfg
}

type task struct {
	job *Job
}

// Scheduler owns the beat loop and worker pool.
type Scheduler struct {
	cfg     Config
	kv      *kv.Store
	metrics *telemetry.Registry

	mu     sync.Mutex
	jobs   []*Job
	queues map[string]chan task

	lastBeat time.Time
}

// New creates a scheduler.
func New(cfg Config, kvStore *kv.Store, metrics *telemetry.Registry) *Scheduler {
	if cfg.BeatInterval <= 0 {
		cfg.BeatInterval = DefaultBeatInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Scheduler{
		cfg:     cfg,
		kv:      kvStore,
		metrics: metrics,
		queues:  make(map[string]chan task),
	}
}

// Register adds a job. Queue defaults to "default".
func (s *Scheduler) Register(job *Job) {
	if job.Queue == "" {
		job.Queue = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if _, ok := s.queues[job.Queue]; !ok {
		s.queues[job.Queue] = make(chan task, s.cfg.QueueDepth)
	}
}

// Run starts the workers, the beat loop and the backlog sampler, blocking
// until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	s.mu.Lock()
	for queue, ch := range s.queues {
		for i := 0; i < s.cfg.Workers; i++ {
			wg.Add(1)
			go func(queue string, ch chan task) {
				defer wg.Done()
				s.worker(ctx, queue, ch)
			}(queue, ch)
		}
	}
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sampleBacklog(ctx)
	}()

	ticker := time.NewTicker(s.cfg.BeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat writes the heartbeat and enqueues due jobs.
func (s *Scheduler) beat(ctx context.Context) {
	now := time.Now()
	s.metrics.BeatHeartbeat.Inc()
	s.metrics.BeatHeartbeatTimestamp.Set(float64(now.Unix()))
	if !s.lastBeat.IsZero() {
		s.metrics.BeatHeartbeatAgeSeconds.Set(now.Sub(s.lastBeat).Seconds())
	}
	s.lastBeat = now
	_ = s.kv.Set(ctx, s.cfg.HeartbeatKey, strconv.FormatInt(now.Unix(), 10), 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.running || now.Sub(job.lastRun) < job.Interval {
			continue
		}
		select {
		case s.queues[job.Queue] <- task{job: job}:
			job.running = true
			job.lastRun = now
		default:
			lg := logging.For(ctx, "sched")
			lg.Warn().Str("queue", job.Queue).
				Str("job", job.Name).Msg("queue full, job skipped")
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, queue string, ch chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			start := time.Now()
			err := t.job.Fn(ctx)
			elapsed := time.Since(start)
			s.metrics.PipelineLatencyMS.Observe(float64(elapsed.Milliseconds()))
			logger := logging.For(ctx, "sched")
			if err != nil && ctx.Err() == nil {
				logger.Warn().Str("queue", queue).Str("job", t.job.Name).
					Dur("elapsed", elapsed).Err(err).Msg("job failed")
			} else {
				logger.Debug().Str("queue", queue).Str("job", t.job.Name).
					Dur("elapsed", elapsed).Msg("job complete")
			}
			s.mu.Lock()
			t.job.running = false
			s.mu.Unlock()
		}
	}
}

// sampleBacklog publishes queue depths every 30 s and counts threshold
// crossings.
func (s *Scheduler) sampleBacklog(ctx context.Context) {
	ticker := time.NewTicker(BacklogSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for queue, ch := range s.queues {
				depth := len(ch)
				s.metrics.QueueBacklog.WithLabelValues(queue).Set(float64(depth))
				if depth > s.cfg.BacklogWarn {
					s.metrics.QueueBacklogWarnTotal.Inc()
					lg := logging.For(ctx, "sched")
					lg.Warn().Str("queue", queue).
						Int("depth", depth).Msg("queue backlog above warn threshold")
				}
			}
			s.mu.Unlock()
		}
	}
}

// HeartbeatLag reads the stored heartbeat and returns its age. ok is false
// when the key is missing or unreadable.
func (s *Scheduler) HeartbeatLag(ctx context.Context) (time.Duration, bool) {
	return HeartbeatLag(ctx, s.kv, s.cfg.HeartbeatKey)
}

// HeartbeatLag reads a heartbeat key and returns its age.
func HeartbeatLag(ctx context.Context, kvStore *kv.Store, key string) (time.Duration, bool) {
	raw, ok := kvStore.Get(ctx, key)
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(ts, 0)), true
}
