// Package scheduler runs background jobs on fixed intervals.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"gitea.jw6.us/james/calsync/internal/metrics"
)

// Job is one named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job in its own goroutine. A job never overlaps with
// itself; a tick that arrives while it runs is dropped.
type Scheduler struct {
	jobs []Job
	wg   sync.WaitGroup
}

// New builds a Scheduler. Jobs with a non-positive interval are disabled.
func New(jobs ...Job) *Scheduler {
	s := &Scheduler{}
	for _, job := range jobs {
		if job.Interval <= 0 || job.Run == nil {
			log.Printf("[INFO] scheduler: job %s disabled", job.Name)
			continue
		}
		s.jobs = append(s.jobs, job)
	}
	return s
}

// Start launches every job. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

// Wait blocks until every job returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	log.Printf("[INFO] scheduler: job %s every %s", job.Name, job.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunOnce(ctx, job)
		}
	}
}

// RunOnce runs job once, recording its duration and logging its error.
func RunOnce(ctx context.Context, job Job) {
	start := time.Now()
	defer metrics.ObserveJob(job.Name, start)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] scheduler: job %s panicked: %v", job.Name, r)
		}
	}()
	if err := job.Run(metrics.WithOrigin(ctx, "job:"+job.Name)); err != nil && ctx.Err() == nil {
		log.Printf("[ERROR] scheduler: job %s: %v", job.Name, err)
	}
}
