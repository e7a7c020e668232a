package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskvault/internal/domain"
	"taskvault/internal/store"
)

// ErrTaskActive is returned when deleting a task that is currently running.
var ErrTaskActive = errors.New("task is currently active")

// ActionFunc executes one task. The returned status must be complete or
// failed; the result map, when non-nil, is persisted alongside it. A non-nil
// error overrides the status with failed and persists the error text.
type ActionFunc func(ctx context.Context, t *domain.ScheduledTask) (domain.Status, map[string]any, error)

type Options struct {
	MaxConcurrent int           // concurrent task executions (default 5)
	Poll          time.Duration // store poll interval (default 1s)
	Heartbeat     time.Duration // active-task timestamp refresh (default 30s)
	PurgeSpec     string        // cron spec for the purge job (default "@every 1m")
	Retention     time.Duration // how long finished tasks are kept (default 7d)
}

// Service runs scheduled tasks against registered actions. It is a plain
// caller of the store: claiming a task is an update to status=active and
// nothing more, so exactly one Service should poll a given database.
type Service struct {
	store     store.Store
	actions   map[string]ActionFunc
	sem       chan struct{}
	wg        sync.WaitGroup
	poll      time.Duration
	heartbeat time.Duration
	purgeSpec string
	retention time.Duration
}

func New(st store.Store, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.PurgeSpec == "" {
		opts.PurgeSpec = "@every 1m"
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Service{
		store:     st,
		actions:   map[string]ActionFunc{},
		sem:       make(chan struct{}, opts.MaxConcurrent),
		poll:      opts.Poll,
		heartbeat: opts.Heartbeat,
		purgeSpec: opts.PurgeSpec,
		retention: opts.Retention,
	}
}

// Register binds an action name to its function. Not safe to call once Run
// has started.
func (s *Service) Register(action string, fn ActionFunc) {
	s.actions[action] = fn
}

// ScheduleTask persists a new task with status scheduled and returns its id.
// An empty ID gets a generated one; a zero Timestamp means "due now".
func (s *Service) ScheduleTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	if t.Action == "" {
		return "", fmt.Errorf("action is required")
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Timestamp == 0 {
		t.Timestamp = nowMillis(time.Now())
	}
	t.Status = domain.StatusScheduled
	t.Result = nil
	t.Error = nil
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// DeleteTask removes a task unless it is running right now. Deleting an
// unknown id is a no-op, like in the store.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t != nil && t.Status == domain.StatusActive {
		return ErrTaskActive
	}
	return s.store.DeleteTask(ctx, id)
}

// ResumeStale reschedules tasks left active by a previous process. Call once
// at startup, before Run.
func (s *Service) ResumeStale(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasks(ctx, domain.TaskFilter{
		Statuses: domain.SetOf(domain.StatusActive),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		status := domain.StatusScheduled
		ts := nowMillis(time.Now())
		ok, err := s.store.UpdateTask(ctx, t.ID, domain.TaskUpdate{Status: &status, Timestamp: &ts})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// PurgeOldTasks deletes finished tasks whose timestamp fell out of the
// retention window and returns how many went.
func (s *Service) PurgeOldTasks(ctx context.Context, now time.Time) (int, error) {
	tasks, err := s.store.ListTasks(ctx, domain.TaskFilter{
		Statuses: domain.SetOf(domain.StatusComplete, domain.StatusFailed),
	})
	if err != nil {
		return 0, err
	}
	cutoff := nowMillis(now.Add(-s.retention))
	n := 0
	for _, t := range tasks {
		if t.Timestamp >= cutoff {
			continue
		}
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run polls for due tasks until ctx is cancelled, then waits for in-flight
// executions to finish. The purge job runs on its own cron schedule.
func (s *Service) Run(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(s.purgeSpec, func() {
		if n, err := s.PurgeOldTasks(context.Background(), time.Now()); err != nil {
			log.Error().Err(err).Msg("purge old tasks")
		} else if n > 0 {
			log.Info().Int("purged", n).Msg("purged old tasks")
		}
	}); err != nil {
		log.Error().Err(err).Str("spec", s.purgeSpec).Msg("invalid purge cron spec")
	} else {
		c.Start()
		defer c.Stop()
	}

	log.Info().Dur("poll", s.poll).Int("max_concurrent", cap(s.sem)).Msg("task runner started")

	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case now := <-t.C:
			s.runOnce(ctx, now)
		}
	}
}

// runOnce launches every due scheduled task for which a concurrency slot is
// free, oldest first.
func (s *Service) runOnce(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListTasks(ctx, domain.TaskFilter{
		Statuses: domain.SetOf(domain.StatusScheduled),
	})
	if err != nil {
		log.Error().Err(err).Msg("list scheduled tasks")
		return
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Timestamp < tasks[j].Timestamp })

	due := nowMillis(now)
	for i := range tasks {
		t := tasks[i]
		if t.Timestamp > due {
			break
		}
		select {
		case s.sem <- struct{}{}:
		default:
			return
		}

		status := domain.StatusActive
		ok, err := s.store.UpdateTask(ctx, t.ID, domain.TaskUpdate{Status: &status})
		if err != nil || !ok {
			if err != nil {
				log.Error().Err(err).Str("task_id", t.ID).Msg("claim task")
			}
			<-s.sem
			continue
		}
		t.Status = domain.StatusActive

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.execute(ctx, &t)
		}()
	}
}

func (s *Service) execute(ctx context.Context, t *domain.ScheduledTask) {
	fn, ok := s.actions[t.Action]
	if !ok {
		s.finish(t.ID, domain.StatusFailed, nil, "no handler for action "+t.Action)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go s.heartbeatLoop(hbCtx, t.ID)

	status, result, err := s.runAction(ctx, fn, t)
	stopHeartbeat()

	errText := ""
	if err != nil {
		status = domain.StatusFailed
		errText = err.Error()
	}
	if status != domain.StatusComplete && status != domain.StatusFailed {
		errText = fmt.Sprintf("action returned non-final status %q", status)
		status = domain.StatusFailed
	}
	s.finish(t.ID, status, result, errText)
}

// runAction turns a handler panic into an error instead of taking the whole
// runner down with it.
func (s *Service) runAction(ctx context.Context, fn ActionFunc, t *domain.ScheduledTask) (status domain.Status, result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(ctx, t)
}

func (s *Service) finish(id string, status domain.Status, result map[string]any, errText string) {
	up := domain.TaskUpdate{Status: &status, Result: result}
	ts := nowMillis(time.Now())
	up.Timestamp = &ts
	if errText != "" {
		up.Error = &errText
	}
	// Detached context: the task outcome must land even during shutdown.
	ok, err := s.store.UpdateTask(context.Background(), id, up)
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("record task outcome")
		return
	}
	if !ok {
		log.Warn().Str("task_id", id).Msg("task deleted while running")
		return
	}
	log.Info().Str("task_id", id).Str("status", string(status)).Msg("task finished")
}

// heartbeatLoop refreshes the timestamp of a running task so observers can
// tell it from one abandoned by a dead process.
func (s *Service) heartbeatLoop(ctx context.Context, id string) {
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ts := nowMillis(now)
			if _, err := s.store.UpdateTask(ctx, id, domain.TaskUpdate{Timestamp: &ts}); err != nil {
				log.Error().Err(err).Str("task_id", id).Msg("heartbeat")
			}
		}
	}
}

func nowMillis(t time.Time) int64 { return t.UnixMilli() }
