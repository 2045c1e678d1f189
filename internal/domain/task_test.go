package domain

import "testing"

func TestTaskStateTerminal(t *testing.T) {
	for state, terminal := range map[TaskState]bool{
		TaskSubmitted:     false,
		TaskWorking:       false,
		TaskInputRequired: false,
		TaskCompleted:     true,
		TaskFailed:        true,
	} {
		if state.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v, want %v", state, state.Terminal(), terminal)
		}
	}
}

func TestTaskStateCanTransition(t *testing.T) {
	allowed := []struct{ from, to TaskState }{
		{TaskSubmitted, TaskWorking},
		{TaskSubmitted, TaskFailed},
		{TaskWorking, TaskCompleted},
		{TaskWorking, TaskFailed},
		{TaskWorking, TaskInputRequired},
		{TaskInputRequired, TaskWorking},
		{TaskInputRequired, TaskFailed},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to TaskState }{
		{TaskSubmitted, TaskCompleted},
		{TaskSubmitted, TaskInputRequired},
		{TaskWorking, TaskSubmitted},
		{TaskInputRequired, TaskCompleted},
		{TaskCompleted, TaskWorking},
		{TaskCompleted, TaskFailed},
		{TaskFailed, TaskWorking},
		{TaskFailed, TaskCompleted},
	}
	for _, tr := range denied {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []TaskState{TaskSubmitted, TaskWorking, TaskInputRequired, TaskCompleted, TaskFailed}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal state %s has outgoing edge to %s", from, to)
			}
		}
	}
}
