package model

import "testing"

func TestStepState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    StepState
		terminal bool
	}{
		{StepStateCreated, false},
		{StepStateConfigured, false},
		{StepStateWaiting, false},
		{StepStateReady, false},
		{StepStateWorking, false},
		{StepStateDone, true},
		{StepStateFail, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("StepState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestStepState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  StepState
		to    StepState
		valid bool
	}{
		// Valid transitions
		{StepStateCreated, StepStateConfigured, true},
		{StepStateConfigured, StepStateWaiting, true},
		{StepStateWaiting, StepStateReady, true},
		{StepStateReady, StepStateWorking, true},
		{StepStateReady, StepStateDone, true},
		{StepStateWorking, StepStateDone, true},
		{StepStateWorking, StepStateFail, true},

		// Invalid transitions
		{StepStateCreated, StepStateReady, false},
		{StepStateWaiting, StepStateWorking, false},
		{StepStateReady, StepStateFail, false},
		{StepStateDone, StepStateWaiting, false},
		{StepStateFail, StepStateDone, false},
		{StepStateDone, StepStateFail, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("StepState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestStepKind_Priority(t *testing.T) {
	order := []StepKind{StepKindRoot, StepKindDesign, StepKindGenerator, StepKindStandard, StepKindTerminal}
	for i := 1; i < len(order); i++ {
		if order[i-1].Priority() <= order[i].Priority() {
			t.Errorf("%s priority %d should be greater than %s priority %d",
				order[i-1], order[i-1].Priority(), order[i], order[i].Priority())
		}
	}
}

func TestParseStepKind(t *testing.T) {
	tests := []struct {
		input string
		want  StepKind
		ok    bool
	}{
		{"", StepKindStandard, true},
		{"GENERATOR", StepKindGenerator, true},
		{"TERMINAL", StepKindTerminal, true},
		{"generator", "", false},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStepKind(tt.input)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStepKind(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}
