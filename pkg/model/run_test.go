package model

import "testing"

func TestComputeStepSummary(t *testing.T) {
	steps := []StepRecord{
		{StepID: "design", Success: true, TaskCount: 1},
		{StepID: "align", Success: true, TaskCount: 4},
		{StepID: "count", Success: false, TaskCount: 4, FailedTasks: 1},
	}

	got := ComputeStepSummary(steps)

	if got.Total != 3 {
		t.Errorf("Total = %d, want 3", got.Total)
	}
	if got.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", got.Succeeded)
	}
	if got.Failed != 1 {
		t.Errorf("Failed = %d, want 1", got.Failed)
	}
	if got.Tasks != 9 {
		t.Errorf("Tasks = %d, want 9", got.Tasks)
	}
}

func TestRunState_IsTerminal(t *testing.T) {
	tests := []struct {
		state RunState
		want  bool
	}{
		{RunStateRunning, false},
		{RunStateSucceeded, true},
		{RunStateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
