// Package tasks tracks background work delegated to specialist agents.
// The conductor owns the table; surfaces render what they're told.
package tasks

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ID identifies a task.
type ID string

var idCounter atomic.Uint64

// GenerateID returns a new unique task ID.
func GenerateID() ID {
	return ID(fmt.Sprintf("task_%d_%d", time.Now().UnixMilli(), idCounter.Add(1)))
}

// Status of a background task.
type Status int

const (
	// Pending: created but not started.
	Pending Status = iota
	// Running: actively making progress.
	Running
	// Done: completed successfully.
	Done
	// Failed.
	Failed
	// Cancelled externally.
	Cancelled
)

// ParseStatus reads a status from its string form, defaulting to Pending.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return Running
	case "done", "complete", "completed":
		return Done
	case "failed", "error":
		return Failed
	case "cancelled", "canceled":
		return Cancelled
	default:
		return Pending
	}
}

// Label is the human-readable status name.
func (s Status) Label() string {
	switch s {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Icon is an ASCII status marker for plain surfaces.
func (s Status) Icon() string {
	switch s {
	case Pending:
		return "..."
	case Running:
		return ">>>"
	case Done:
		return "[+]"
	case Failed:
		return "[!]"
	case Cancelled:
		return "[x]"
	default:
		return "?"
	}
}

// IsTerminal reports whether the task is finished.
func (s Status) IsTerminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

// IsActive reports whether the task still counts against the active cap.
func (s Status) IsActive() bool {
	return s == Pending || s == Running
}

func (s Status) String() string { return s.Label() }

// Task is one background work item.
type Task struct {
	ID               ID
	Agent            string
	AgentDisplayName string
	Description      string
	Status           Status
	Progress         int
	StatusMessage    string
	Output           string
	Error            string
	CreatedAt        int64 // unix ms
	UpdatedAt        int64 // unix ms
}

// New creates a pending task.
func New(id ID, agent, description string) *Task {
	now := time.Now().UnixMilli()
	return &Task{
		ID:               id,
		Agent:            agent,
		AgentDisplayName: AgentDisplayName(agent),
		Description:      description,
		Status:           Pending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// SetStatus forces a status.
func (t *Task) SetStatus(status Status) {
	t.Status = status
	t.touch()
}

// SetProgress updates progress; the first nonzero progress moves a
// pending task to Running.
func (t *Task) SetProgress(progress int, message string) {
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	t.StatusMessage = message
	if progress > 0 && t.Status == Pending {
		t.Status = Running
	}
	t.touch()
}

// Complete marks the task done.
func (t *Task) Complete(output string) {
	t.Status = Done
	t.Progress = 100
	t.Output = output
	t.touch()
}

// Fail marks the task failed.
func (t *Task) Fail(errMsg string) {
	t.Status = Failed
	t.Error = errMsg
	t.touch()
}

// Cancel marks a non-terminal task cancelled.
func (t *Task) Cancel() {
	if t.Status.IsTerminal() {
		return
	}
	t.Status = Cancelled
	t.touch()
}

func (t *Task) touch() {
	t.UpdatedAt = time.Now().UnixMilli()
}

// ProgressBar renders an ASCII progress bar of the given width.
func (t *Task) ProgressBar(width int) string {
	filled := t.Progress * width / 100
	return strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
}

// AgentDisplayName maps an agent identifier to its persona name.
func AgentDisplayName(agentID string) string {
	switch agentID {
	case "ethical-hacker":
		return "Cousin Rita"
	case "backend-engineer":
		return "Uncle Marco"
	case "frontend-specialist":
		return "Prima Sofia"
	case "senior-full-stack-developer":
		return "Tio Miguel"
	case "solutions-architect":
		return "Tia Carmen"
	case "ux-ui-designer":
		return "Cousin Lucia"
	case "qa-engineer":
		return "The Intern"
	case "privacy-researcher":
		return "Abuelo Pedro"
	case "devops-engineer":
		return "Primo Carlos"
	case "relational-database-expert":
		return "Tia Rosa"
	default:
		if agentID == "" {
			return ""
		}
		return strings.ToUpper(agentID[:1]) + agentID[1:]
	}
}

// LimitError reports a task-table cap being hit.
type LimitError struct {
	Kind    string // "active" or "total"
	Limit   int
	Current int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("too many %s tasks: %d (limit: %d)", e.Kind, e.Current, e.Limit)
}

// Manager is the bounded task table. Not safe for concurrent use; the
// conductor serializes access.
type Manager struct {
	tasks map[ID]*Task
	order []ID

	maxActive    int
	maxTotal     int
	cleanupAgeMS int64
}

// NewManager creates an unbounded manager.
func NewManager() *Manager {
	return NewManagerWithLimits(0, 0, 0)
}

// NewManagerWithLimits creates a manager with caps; zero disables a cap.
func NewManagerWithLimits(maxActive, maxTotal int, cleanupAgeMS int64) *Manager {
	return &Manager{
		tasks:        make(map[ID]*Task),
		maxActive:    maxActive,
		maxTotal:     maxTotal,
		cleanupAgeMS: cleanupAgeMS,
	}
}

// CreateTask adds a task without cap checks, returning its ID.
func (m *Manager) CreateTask(agent, description string) ID {
	m.autoCleanup()
	id := GenerateID()
	m.add(New(id, agent, description))
	return id
}

// TryCreateTask adds a task after cap checks.
func (m *Manager) TryCreateTask(agent, description string) (ID, error) {
	m.autoCleanup()
	if err := m.checkLimits(); err != nil {
		return "", err
	}
	id := GenerateID()
	m.add(New(id, agent, description))
	return id, nil
}

func (m *Manager) add(t *Task) {
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
}

func (m *Manager) checkLimits() error {
	if m.maxActive > 0 {
		if active := m.ActiveCount(); active >= m.maxActive {
			return &LimitError{Kind: "active", Limit: m.maxActive, Current: active}
		}
	}
	if m.maxTotal > 0 {
		if total := m.TotalCount(); total >= m.maxTotal {
			return &LimitError{Kind: "total", Limit: m.maxTotal, Current: total}
		}
	}
	return nil
}

func (m *Manager) autoCleanup() {
	if m.cleanupAgeMS > 0 {
		m.CleanupOldTasks(m.cleanupAgeMS)
	}
}

// Get returns a task by ID.
func (m *Manager) Get(id ID) (*Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

// UpdateProgress updates a task's progress if it exists.
func (m *Manager) UpdateProgress(id ID, progress int, message string) {
	if t, ok := m.tasks[id]; ok {
		t.SetProgress(progress, message)
	}
}

// CompleteTask marks a task done if it exists.
func (m *Manager) CompleteTask(id ID, output string) {
	if t, ok := m.tasks[id]; ok {
		t.Complete(output)
	}
}

// FailTask marks a task failed if it exists.
func (m *Manager) FailTask(id ID, errMsg string) {
	if t, ok := m.tasks[id]; ok {
		t.Fail(errMsg)
	}
}

// CancelTask cancels a task if it exists and is not terminal.
func (m *Manager) CancelTask(id ID) {
	if t, ok := m.tasks[id]; ok {
		t.Cancel()
	}
}

// AllTasks returns tasks in creation order.
func (m *Manager) AllTasks() []*Task {
	out := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ActiveTasks returns pending and running tasks in creation order.
func (m *Manager) ActiveTasks() []*Task {
	var out []*Task
	for _, t := range m.AllTasks() {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	return out
}

// HasActiveTasks reports whether any task is pending or running.
func (m *Manager) HasActiveTasks() bool {
	for _, t := range m.tasks {
		if t.Status.IsActive() {
			return true
		}
	}
	return false
}

// ActiveCount counts pending and running tasks.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status.IsActive() {
			n++
		}
	}
	return n
}

// TotalCount counts every retained task.
func (m *Manager) TotalCount() int { return len(m.tasks) }

// CleanupOldTasks removes terminal tasks older than maxAgeMS.
func (m *Manager) CleanupOldTasks(maxAgeMS int64) {
	cutoff := time.Now().UnixMilli() - maxAgeMS
	removed := make(map[ID]bool)
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt < cutoff {
			delete(m.tasks, id)
			removed[id] = true
		}
	}
	if len(removed) == 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	m.order = kept
}

// Clear drops every task.
func (m *Manager) Clear() {
	m.tasks = make(map[ID]*Task)
	m.order = nil
}
