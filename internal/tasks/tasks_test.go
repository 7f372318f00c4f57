package tasks

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateIDUnique(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	if a == b {
		t.Error("duplicate task IDs")
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"running":    Running,
		"DONE":       Done,
		"  failed  ": Failed,
		"canceled":   Cancelled,
		"unknown":    Pending,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTaskProgressTransitions(t *testing.T) {
	task := New(ID("test"), "test-agent", "Test task")

	if task.Status != Pending || task.Progress != 0 {
		t.Fatalf("fresh task = %+v", task)
	}

	task.SetProgress(50, "Halfway")
	if task.Status != Running {
		t.Error("nonzero progress did not move task to Running")
	}
	if task.Progress != 50 || task.StatusMessage != "Halfway" {
		t.Errorf("task = %+v", task)
	}

	task.Complete("Result")
	if task.Status != Done || task.Progress != 100 || task.Output != "Result" {
		t.Errorf("completed task = %+v", task)
	}
	if !task.Status.IsTerminal() {
		t.Error("Done is not terminal")
	}
}

func TestTaskFail(t *testing.T) {
	task := New(ID("t"), "agent", "desc")
	task.Fail("boom")
	if task.Status != Failed || task.Error != "boom" {
		t.Errorf("task = %+v", task)
	}
}

func TestTaskCancel(t *testing.T) {
	task := New(ID("t"), "agent", "desc")
	task.Cancel()
	if task.Status != Cancelled {
		t.Errorf("status = %v", task.Status)
	}

	done := New(ID("t2"), "agent", "desc")
	done.Complete("")
	done.Cancel()
	if done.Status != Done {
		t.Error("cancel overrode a terminal status")
	}
}

func TestProgressClamp(t *testing.T) {
	task := New(ID("t"), "agent", "desc")
	task.SetProgress(150, "")
	if task.Progress != 100 {
		t.Errorf("progress = %d", task.Progress)
	}
}

func TestAgentDisplayName(t *testing.T) {
	if AgentDisplayName("ethical-hacker") != "Cousin Rita" {
		t.Error("known agent display name wrong")
	}
	if AgentDisplayName("backend-engineer") != "Uncle Marco" {
		t.Error("known agent display name wrong")
	}
	if AgentDisplayName("unknown-agent") != "Unknown-agent" {
		t.Errorf("fallback = %q", AgentDisplayName("unknown-agent"))
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()

	id1 := m.CreateTask("agent1", "Task 1")
	id2 := m.CreateTask("agent2", "Task 2")

	if m.TotalCount() != 2 || m.ActiveCount() != 2 {
		t.Fatalf("counts: total=%d active=%d", m.TotalCount(), m.ActiveCount())
	}

	m.UpdateProgress(id1, 50, "")
	m.CompleteTask(id2, "")

	if m.ActiveCount() != 1 {
		t.Errorf("active = %d", m.ActiveCount())
	}
	t1, _ := m.Get(id1)
	if !t1.Status.IsActive() {
		t.Error("in-progress task not active")
	}
	t2, _ := m.Get(id2)
	if !t2.Status.IsTerminal() {
		t.Error("completed task not terminal")
	}
}

func TestManagerActiveLimit(t *testing.T) {
	m := NewManagerWithLimits(2, 5, 0)

	if _, err := m.TryCreateTask("a1", "Task 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryCreateTask("a2", "Task 2"); err != nil {
		t.Fatal(err)
	}

	_, err := m.TryCreateTask("a3", "Task 3")
	var le *LimitError
	if !errors.As(err, &le) || le.Kind != "active" {
		t.Fatalf("err = %v", err)
	}

	// Completing one frees an active slot.
	for _, task := range m.AllTasks() {
		if task.Description == "Task 1" {
			task.Complete("")
			break
		}
	}
	if _, err := m.TryCreateTask("a3", "Task 3"); err != nil {
		t.Errorf("create after completion: %v", err)
	}
}

func TestManagerTotalLimit(t *testing.T) {
	m := NewManagerWithLimits(10, 3, 0)

	for i := 0; i < 3; i++ {
		if _, err := m.TryCreateTask("agent", "task"); err != nil {
			t.Fatal(err)
		}
	}
	_, err := m.TryCreateTask("agent", "one too many")
	var le *LimitError
	if !errors.As(err, &le) || le.Kind != "total" {
		t.Fatalf("err = %v", err)
	}
}

func TestManagerNoLimits(t *testing.T) {
	m := NewManager()
	for i := 0; i < 100; i++ {
		if _, err := m.TryCreateTask("agent", "task"); err != nil {
			t.Fatal(err)
		}
	}
	if m.TotalCount() != 100 {
		t.Errorf("total = %d", m.TotalCount())
	}
}

func TestCleanupOldTasks(t *testing.T) {
	m := NewManager()

	oldID := m.CreateTask("agent", "old task")
	m.CompleteTask(oldID, "")
	// Backdate the terminal task.
	old, _ := m.Get(oldID)
	old.UpdatedAt = time.Now().UnixMilli() - 10_000

	freshID := m.CreateTask("agent", "fresh task")
	m.CompleteTask(freshID, "")

	activeID := m.CreateTask("agent", "active task")
	active, _ := m.Get(activeID)
	active.UpdatedAt = time.Now().UnixMilli() - 10_000

	m.CleanupOldTasks(5_000)

	if _, ok := m.Get(oldID); ok {
		t.Error("old terminal task survived cleanup")
	}
	if _, ok := m.Get(freshID); !ok {
		t.Error("fresh terminal task was removed")
	}
	if _, ok := m.Get(activeID); !ok {
		t.Error("active task was removed despite age")
	}
}

func TestOrderPreserved(t *testing.T) {
	m := NewManager()
	m.CreateTask("a", "first")
	m.CreateTask("b", "second")
	m.CreateTask("c", "third")

	all := m.AllTasks()
	if len(all) != 3 || all[0].Description != "first" || all[2].Description != "third" {
		t.Errorf("order: %v", []string{all[0].Description, all[1].Description, all[2].Description})
	}
}
