package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/capability"
	"github.com/trimodal-rag/backend/internal/metrics"
)

var ErrInvalidTransition = errors.New("invalid training job transition")

// next lists the states each state may move to.
var next = map[capability.JobState][]capability.JobState{
	capability.JobSubmitted: {capability.JobRunning, capability.JobSucceeded, capability.JobFailed, capability.JobTimedOut},
	capability.JobRunning:   {capability.JobSucceeded, capability.JobFailed, capability.JobTimedOut},
}

func allowed(from, to capability.JobState) bool {
	if from == to {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Transition struct {
	State   capability.JobState `json:"state"`
	Message string              `json:"message,omitempty"`
	At      time.Time           `json:"at"`
}

// Job is the coordinator's view of one submitted job.
type Job struct {
	ID          string                       `json:"id"`
	Config      capability.TrainingJobConfig `json:"config"`
	State       capability.JobState          `json:"state"`
	Transitions []Transition                 `json:"transitions"`
}

func (j *Job) advance(to capability.JobState, msg string, at time.Time) error {
	if !allowed(j.State, to) {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, j.State, to, j.ID)
	}
	if j.State == to {
		return nil
	}
	// A poll can miss the RUNNING phase of a short job.
	if j.State == capability.JobSubmitted && to == capability.JobSucceeded {
		j.Transitions = append(j.Transitions, Transition{State: capability.JobRunning, At: at})
	}
	j.State = to
	j.Transitions = append(j.Transitions, Transition{State: to, Message: msg, At: at})
	return nil
}

func (j *Job) clone() *Job {
	out := *j
	out.Transitions = append([]Transition(nil), j.Transitions...)
	return &out
}

type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Coordinator drives jobs through SUBMITTED, RUNNING and one terminal
// state. A job still open at the timeout is marked TIMED_OUT locally.
type Coordinator struct {
	svc  capability.MLTrainingService
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

func NewCoordinator(svc capability.MLTrainingService, opts Options, log *zap.Logger) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{svc: svc, opts: opts, log: log, now: time.Now, jobs: make(map[string]*Job)}
}

func (c *Coordinator) submit(ctx context.Context, cfg capability.TrainingJobConfig) (*Job, error) {
	id, err := c.svc.SubmitJob(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to submit training job: %w", err)
	}
	job := &Job{
		ID:          id,
		Config:      cfg,
		State:       capability.JobSubmitted,
		Transitions: []Transition{{State: capability.JobSubmitted, At: c.now()}},
	}
	c.mu.Lock()
	c.jobs[id] = job
	c.mu.Unlock()

	c.log.Info("Training job submitted",
		zap.String("job_id", id),
		zap.String("domain", cfg.Domain),
		zap.String("config_hash", cfg.ConfigHash),
	)
	return job, nil
}

// Run submits a job and polls it until it is terminal.
func (c *Coordinator) Run(ctx context.Context, cfg capability.TrainingJobConfig) (*Job, error) {
	job, err := c.submit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.track(ctx, job.ID)
}

// Launch submits a job and tracks it in the background. Wait blocks until
// every launched job has finished.
func (c *Coordinator) Launch(ctx context.Context, cfg capability.TrainingJobConfig) (string, error) {
	job, err := c.submit(ctx, cfg)
	if err != nil {
		return "", err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.track(context.WithoutCancel(ctx), job.ID); err != nil {
			c.log.Error("Training job tracking failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return job.ID, nil
}

func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Job returns a copy of the tracked job.
func (c *Coordinator) Job(id string) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

func (c *Coordinator) track(ctx context.Context, id string) (*Job, error) {
	deadline := time.NewTimer(c.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.svc.Poll(ctx, id)
		if err != nil {
			c.log.Warn("Training job poll failed", zap.String("job_id", id), zap.Error(err))
		} else {
			job, done, err := c.apply(id, status)
			if err != nil {
				return job, err
			}
			if done {
				return job, nil
			}
		}

		select {
		case <-ctx.Done():
			return c.snapshot(id), ctx.Err()
		case <-deadline.C:
			job, _, err := c.apply(id, capability.JobStatus{
				JobID:   id,
				State:   capability.JobTimedOut,
				Message: fmt.Sprintf("no terminal state after %s", c.opts.Timeout),
			})
			return job, err
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) apply(id string, status capability.JobStatus) (*Job, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job := c.jobs[id]
	prev := job.State
	if err := job.advance(status.State, status.Message, c.now()); err != nil {
		return job.clone(), false, err
	}
	if job.State != prev {
		c.log.Info("Training job transitioned",
			zap.String("job_id", id),
			zap.String("from", string(prev)),
			zap.String("to", string(job.State)),
			zap.String("message", status.Message),
		)
		if job.State.Terminal() {
			metrics.TrainingJobs.WithLabelValues(string(job.State)).Inc()
		}
	}
	return job.clone(), job.State.Terminal(), nil
}

func (c *Coordinator) snapshot(id string) *Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs[id].clone()
}
