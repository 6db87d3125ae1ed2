// Package scheduler fires cron-scheduled prompts and persists the task list
// to schedules.json. Execution itself happens in the agent, which owns the
// single-flight slot; the scheduler only validates, persists, and fires.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nestoz/vibecheck-agent/internal/protocol"
)

// FireHandler is invoked when a task's cron expression matches. The handler
// decides whether to run the task immediately or queue it.
type FireHandler func(task protocol.ScheduledTask)

// Scheduler owns the persisted task list and the armed cron jobs.
type Scheduler struct {
	mu         sync.Mutex
	file       string
	tasks      []protocol.ScheduledTask
	entries    map[string]cron.EntryID
	cron       *cron.Cron
	onTaskFire FireHandler
}

// New creates a scheduler persisting to <dir>/schedules.json, loads any
// stored tasks, re-arms the enabled ones, and starts the cron runner.
func New(dir string, onTaskFire FireHandler) *Scheduler {
	s := &Scheduler{
		file:       filepath.Join(dir, "schedules.json"),
		entries:    make(map[string]cron.EntryID),
		cron:       cron.New(),
		onTaskFire: onTaskFire,
	}

	s.load()

	for _, task := range s.tasks {
		if task.Enabled {
			s.arm(task)
		}
	}

	s.cron.Start()
	return s
}

// Stop halts the cron runner. Already-running callbacks are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Validate checks a 5-field cron expression.
func Validate(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// AddTask validates the cron expression, persists the new task, and arms it.
// An invalid expression is rejected with an error.
func (s *Scheduler) AddTask(cronExpr, message, skillID string) (*protocol.ScheduledTask, error) {
	if err := Validate(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	task := protocol.ScheduledTask{
		ID:        uuid.New().String(),
		Cron:      cronExpr,
		Message:   message,
		SkillID:   skillID,
		Enabled:   true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.persistLocked()
	s.mu.Unlock()

	s.arm(task)

	log.Printf("⏰ Scheduled task added: [%s] %s", task.Cron, task.Message)
	return &task, nil
}

// RemoveTask deletes a task and disarms its cron job. Unknown ids are ignored.
func (s *Scheduler) RemoveTask(id string) {
	s.mu.Lock()
	filtered := s.tasks[:0]
	for _, task := range s.tasks {
		if task.ID != id {
			filtered = append(filtered, task)
		}
	}
	s.tasks = filtered
	s.persistLocked()
	s.mu.Unlock()

	s.disarm(id)
}

// ToggleTask enables or disables a task, reconciling the armed cron job.
func (s *Scheduler) ToggleTask(id string, enabled bool) {
	s.mu.Lock()
	var toggled *protocol.ScheduledTask
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].Enabled = enabled
			toggled = &s.tasks[i]
			break
		}
	}
	if toggled == nil {
		s.mu.Unlock()
		return
	}
	task := *toggled
	s.persistLocked()
	s.mu.Unlock()

	if enabled {
		s.arm(task)
	} else {
		s.disarm(id)
	}
}

// Tasks returns a copy of the task list.
func (s *Scheduler) Tasks() []protocol.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]protocol.ScheduledTask, len(s.tasks))
	copy(tasks, s.tasks)
	return tasks
}

// RecordResult stores the first 200 characters of a task run's result.
func (s *Scheduler) RecordResult(id, result string) {
	if runes := []rune(result); len(runes) > 200 {
		result = string(runes[:200])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].LastResult = result
			s.persistLocked()
			return
		}
	}
}

// arm registers a cron job for the task. The callback stamps last_run,
// persists, and hands the task to the fire handler.
func (s *Scheduler) arm(task protocol.ScheduledTask) {
	id := task.ID

	entryID, err := s.cron.AddFunc(task.Cron, func() {
		s.fire(id)
	})
	if err != nil {
		// Expressions are validated at insertion; a stored task can only
		// fail here if the file was edited by hand.
		log.Printf("⚠️ Failed to arm task %s (%s): %v", id, task.Cron, err)
		return
	}

	s.mu.Lock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	s.entries[id] = entryID
	s.mu.Unlock()
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	var fired *protocol.ScheduledTask
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].LastRun = time.Now().UTC().Format(time.RFC3339)
			fired = &s.tasks[i]
			break
		}
	}
	if fired == nil {
		s.mu.Unlock()
		return
	}
	task := *fired
	s.persistLocked()
	s.mu.Unlock()

	if s.onTaskFire != nil {
		s.onTaskFire(task)
	}
}

// load reads schedules.json. Read and parse errors are tolerated; the
// scheduler starts with an empty list.
func (s *Scheduler) load() {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return
	}

	var tasks []protocol.ScheduledTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		log.Printf("⚠️ Failed to parse %s: %v", s.file, err)
		return
	}
	s.tasks = tasks
}

func (s *Scheduler) persistLocked() {
	if err := os.MkdirAll(filepath.Dir(s.file), 0755); err != nil {
		log.Printf("⚠️ Failed to create schedule dir: %v", err)
		return
	}

	tasks := s.tasks
	if tasks == nil {
		tasks = []protocol.ScheduledTask{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		log.Printf("⚠️ Failed to marshal schedules: %v", err)
		return
	}

	if err := os.WriteFile(s.file, data, 0600); err != nil {
		log.Printf("⚠️ Failed to write %s: %v", s.file, err)
	}
}
