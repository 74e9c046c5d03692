package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/store"
)

// ErrScheduleNotFound is returned for unknown schedules.
var ErrScheduleNotFound = errors.New("schedule not found")

// defaultRunTimeout bounds how long a scheduled run is watched before
// it is marked failed.
const defaultRunTimeout = 30 * time.Minute

// Scheduler arms one timer per active schedule and turns fires into
// agent runs with recorded outcomes.
type Scheduler struct {
	agency *Agency
	log    *slog.Logger
	gron   *gronx.Gronx

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler builds the engine for one agency. Call Start to arm it.
func NewScheduler(g *Agency) *Scheduler {
	return &Scheduler{
		agency: g,
		log:    g.log.With("component", "scheduler"),
		gron:   gronx.New(),
		timers: make(map[string]*time.Timer),
	}
}

// Start arms every active schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.agency.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if sch.Status == store.ScheduleActive {
			s.arm(sch)
		}
	}
	return nil
}

// Close stops all timers. In-flight runs finish on their own.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Put validates, persists, and (re)arms a schedule.
func (s *Scheduler) Put(ctx context.Context, sch store.Schedule) (*store.Schedule, error) {
	if err := s.validate(&sch); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sch.UpdatedAt = now
	sch.CreatedAt = now
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	} else if existing, err := s.agency.store.GetSchedule(ctx, sch.ID); err == nil {
		sch.CreatedAt = existing.CreatedAt
		sch.LastRunAt = existing.LastRunAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	next, err := s.nextFire(sch, now)
	if err != nil {
		return nil, err
	}
	sch.NextRunAt = next

	if err := s.agency.store.PutSchedule(ctx, sch); err != nil {
		return nil, err
	}
	s.disarm(sch.ID)
	if sch.Status == store.ScheduleActive {
		s.arm(sch)
	}
	return &sch, nil
}

// Get returns one schedule.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.Schedule, error) {
	sch, err := s.agency.store.GetSchedule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return sch, err
}

// List returns all schedules.
func (s *Scheduler) List(ctx context.Context) ([]store.Schedule, error) {
	return s.agency.store.ListSchedules(ctx)
}

// Delete removes a schedule and its run history.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.disarm(id)
	return s.agency.store.DeleteSchedule(ctx, id)
}

// SetStatus pauses, resumes, or disables a schedule.
func (s *Scheduler) SetStatus(ctx context.Context, id, status string) (*store.Schedule, error) {
	switch status {
	case store.ScheduleActive, store.SchedulePaused, store.ScheduleDisabled:
	default:
		return nil, fmt.Errorf("invalid schedule status %q", status)
	}
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sch.Status = status
	sch.UpdatedAt = time.Now().UTC()
	if status == store.ScheduleActive {
		next, err := s.nextFire(*sch, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		sch.NextRunAt = next
	} else {
		sch.NextRunAt = nil
	}
	if err := s.agency.store.PutSchedule(ctx, *sch); err != nil {
		return nil, err
	}
	s.disarm(id)
	if status == store.ScheduleActive {
		s.arm(*sch)
	}
	return sch, nil
}

// Runs returns a schedule's run history, newest first.
func (s *Scheduler) Runs(ctx context.Context, id string, limit int) ([]store.ScheduleRun, error) {
	return s.agency.store.ListRuns(ctx, id, limit)
}

// TriggerNow fires a schedule immediately, bypassing its overlap
// policy and without disturbing the armed timer.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (*store.ScheduleRun, error) {
	sch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	run := s.newRun(*sch, time.Now().UTC())
	if err := s.agency.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	go s.execute(*sch, run)
	return &run, nil
}

func (s *Scheduler) validate(sch *store.Schedule) error {
	if sch.AgentType == "" {
		return fmt.Errorf("schedule: agentType is required")
	}
	switch sch.Type {
	case store.ScheduleOnce:
		if sch.RunAt == nil {
			return fmt.Errorf("once schedule: runAt is required")
		}
	case store.ScheduleCron:
		if !s.gron.IsValid(sch.Cron) {
			return fmt.Errorf("cron schedule: invalid expression %q", sch.Cron)
		}
		if sch.Timezone != "" {
			if _, err := time.LoadLocation(sch.Timezone); err != nil {
				return fmt.Errorf("cron schedule: %w", err)
			}
		}
	case store.ScheduleInterval:
		if sch.IntervalMs <= 0 {
			return fmt.Errorf("interval schedule: intervalMs must be positive")
		}
	default:
		return fmt.Errorf("invalid schedule type %q", sch.Type)
	}
	if sch.Status == "" {
		sch.Status = store.ScheduleActive
	}
	switch sch.OverlapPolicy {
	case "":
		sch.OverlapPolicy = store.OverlapSkip
	case store.OverlapSkip, store.OverlapQueue, store.OverlapAllow:
	default:
		return fmt.Errorf("invalid overlap policy %q", sch.OverlapPolicy)
	}
	return nil
}

// nextFire computes the next fire time after from, or nil when the
// schedule has nothing left to do.
func (s *Scheduler) nextFire(sch store.Schedule, from time.Time) (*time.Time, error) {
	switch sch.Type {
	case store.ScheduleOnce:
		if sch.LastRunAt != nil {
			return nil, nil
		}
		at := sch.RunAt.UTC()
		// A runAt already behind us stays unarmed rather than firing
		// immediately on activation or restart.
		if !at.After(from) {
			return nil, nil
		}
		return &at, nil
	case store.ScheduleCron:
		ref := from
		if sch.Timezone != "" {
			loc, err := time.LoadLocation(sch.Timezone)
			if err != nil {
				return nil, err
			}
			ref = from.In(loc)
		}
		next, err := gronx.NextTickAfter(sch.Cron, ref, false)
		if err != nil {
			return nil, fmt.Errorf("cron next tick: %w", err)
		}
		next = next.UTC()
		return &next, nil
	case store.ScheduleInterval:
		base := from
		if sch.LastRunAt != nil && sch.LastRunAt.After(from) {
			base = *sch.LastRunAt
		}
		next := base.Add(time.Duration(sch.IntervalMs) * time.Millisecond)
		return &next, nil
	}
	return nil, fmt.Errorf("invalid schedule type %q", sch.Type)
}

func (s *Scheduler) arm(sch store.Schedule) {
	if sch.NextRunAt == nil {
		next, err := s.nextFire(sch, time.Now().UTC())
		if err != nil || next == nil {
			return
		}
		sch.NextRunAt = next
	}
	delay := time.Until(*sch.NextRunAt)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[sch.ID]; ok {
		old.Stop()
	}
	id := sch.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	s.log.Debug("schedule.armed", "schedule", id, "at", sch.NextRunAt)
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// fire handles one timer expiry: overlap check, run bookkeeping, and
// re-arming for the next occurrence.
func (s *Scheduler) fire(id string) {
	ctx := context.Background()
	sch, err := s.agency.store.GetSchedule(ctx, id)
	if err != nil {
		s.log.Warn("schedule.fire_lookup_failed", "schedule", id, "error", err)
		return
	}
	if sch.Status != store.ScheduleActive {
		return
	}

	now := time.Now().UTC()
	scheduled := now
	if sch.NextRunAt != nil {
		scheduled = *sch.NextRunAt
	}

	run := s.newRun(*sch, scheduled)
	skip := false
	if sch.OverlapPolicy == store.OverlapSkip {
		running, err := s.agency.store.RunningRuns(ctx, id)
		if err != nil {
			s.log.Warn("schedule.overlap_check_failed", "schedule", id, "error", err)
		} else if running > 0 {
			skip = true
		}
	}
	if skip {
		run.Status = store.RunSkipped
		done := now
		run.CompletedAt = &done
	}
	if err := s.agency.store.InsertRun(ctx, run); err != nil {
		s.log.Warn("schedule.insert_run_failed", "schedule", id, "error", err)
	}

	sch.LastRunAt = &now
	if sch.Type == store.ScheduleOnce {
		sch.Status = store.ScheduleDisabled
		sch.NextRunAt = nil
	} else {
		next, err := s.nextFire(*sch, now)
		if err != nil {
			s.log.Warn("schedule.next_fire_failed", "schedule", id, "error", err)
		}
		sch.NextRunAt = next
	}
	sch.UpdatedAt = now
	if err := s.agency.store.PutSchedule(ctx, *sch); err != nil {
		s.log.Warn("schedule.update_failed", "schedule", id, "error", err)
	}
	if sch.Status == store.ScheduleActive && sch.NextRunAt != nil {
		s.arm(*sch)
	}

	if !skip {
		go s.execute(*sch, run)
	}
}

func (s *Scheduler) newRun(sch store.Schedule, scheduledAt time.Time) store.ScheduleRun {
	return store.ScheduleRun{
		ID:          uuid.NewString(),
		ScheduleID:  sch.ID,
		Status:      store.RunPending,
		ScheduledAt: scheduledAt,
	}
}

// execute spawns the agent for one run and watches it to a terminal
// event. Spawn failures retry up to MaxRetries; run failures do not.
func (s *Scheduler) execute(sch store.Schedule, run store.ScheduleRun) {
	ctx := context.Background()
	message := scheduleMessage(sch)

	var agentID string
	var spawnErr error
	for attempt := 0; attempt <= sch.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
			run.RetryCount = attempt
		}
		a, err := s.agency.Spawn(ctx, SpawnRequest{
			AgentType: sch.AgentType,
			Message:   message,
			Metadata:  map[string]string{"scheduleId": sch.ID, "runId": run.ID},
		})
		if err == nil {
			agentID = a.ID()
			spawnErr = nil
			break
		}
		spawnErr = err
		s.log.Warn("schedule.spawn_failed", "schedule", sch.ID, "attempt", attempt, "error", err)
	}
	if spawnErr != nil {
		now := time.Now().UTC()
		run.Status = store.RunFailed
		run.Error = spawnErr.Error()
		run.CompletedAt = &now
		if err := s.agency.store.UpdateRun(ctx, run); err != nil {
			s.log.Warn("schedule.update_run_failed", "run", run.ID, "error", err)
		}
		return
	}

	started := time.Now().UTC()
	run.AgentID = agentID
	run.Status = store.RunRunning
	run.StartedAt = &started
	if err := s.agency.store.UpdateRun(ctx, run); err != nil {
		s.log.Warn("schedule.update_run_failed", "run", run.ID, "error", err)
	}

	status, errMsg := s.watch(agentID, runTimeout(sch))
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	if err := s.agency.store.UpdateRun(ctx, run); err != nil {
		s.log.Warn("schedule.update_run_failed", "run", run.ID, "error", err)
	}
	s.log.Info("schedule.run_finished", "schedule", sch.ID, "run", run.ID, "status", status)
}

// watch blocks until the agent reaches a terminal event or the timeout
// elapses.
func (s *Scheduler) watch(agentID string, timeout time.Duration) (status, errMsg string) {
	sub := s.agency.relay.Subscribe([]string{agentID})
	defer sub.Close()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return store.RunFailed, "event stream closed"
			}
			switch env.Event.Type {
			case events.TypeAgentCompleted:
				return store.RunCompleted, ""
			case events.TypeAgentError:
				return store.RunFailed, terminalError(env.Event)
			case events.TypeAgentCanceled:
				return store.RunFailed, "canceled"
			}
		case <-deadline.C:
			return store.RunFailed, "timeout"
		}
	}
}

func terminalError(e events.Event) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return "agent error"
}

func runTimeout(sch store.Schedule) time.Duration {
	if sch.TimeoutMs > 0 {
		return time.Duration(sch.TimeoutMs) * time.Millisecond
	}
	return defaultRunTimeout
}

// scheduleMessage turns the stored input into the agent's first
// message. A JSON string is unwrapped; anything else passes verbatim.
func scheduleMessage(sch store.Schedule) string {
	if len(sch.Input) == 0 {
		return fmt.Sprintf("Scheduled run of %s", sch.Name)
	}
	var text string
	if err := json.Unmarshal(sch.Input, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(sch.Input))
}
