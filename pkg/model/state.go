package model

// StepState represents the lifecycle state of a workflow Step.
type StepState string

const (
	StepStateCreated    StepState = "CREATED"
	StepStateConfigured StepState = "CONFIGURED"
	StepStateWaiting    StepState = "WAITING"
	StepStateReady      StepState = "READY"
	StepStateWorking    StepState = "WORKING"
	StepStateDone       StepState = "DONE"
	StepStateFail       StepState = "FAIL"
)

// String returns the string representation of the step state.
func (s StepState) String() string {
	return string(s)
}

// IsTerminal returns true if the step is in a final state.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepStateDone, StepStateFail:
		return true
	}
	return false
}

// ValidStepTransitions defines the allowed state transitions for Steps.
// READY -> DONE is used by skipped steps, which complete without working.
var ValidStepTransitions = map[StepState][]StepState{
	StepStateCreated:    {StepStateConfigured},
	StepStateConfigured: {StepStateWaiting},
	StepStateWaiting:    {StepStateReady},
	StepStateReady:      {StepStateWorking, StepStateDone},
	StepStateWorking:    {StepStateDone, StepStateFail},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s StepState) CanTransitionTo(next StepState) bool {
	for _, allowed := range ValidStepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepKind classifies a Step. It governs scheduling priority and the special
// cased transitions of the root step.
type StepKind string

const (
	StepKindRoot      StepKind = "ROOT"
	StepKindDesign    StepKind = "DESIGN"
	StepKindGenerator StepKind = "GENERATOR"
	StepKindStandard  StepKind = "STANDARD"
	StepKindTerminal  StepKind = "TERMINAL"
)

// String returns the string representation of the step kind.
func (k StepKind) String() string {
	return string(k)
}

// Priority returns the scheduling priority of the kind. When several steps
// are READY, the one with the highest priority is started first.
func (k StepKind) Priority() int {
	switch k {
	case StepKindRoot:
		return 50
	case StepKindDesign:
		return 40
	case StepKindGenerator:
		return 30
	case StepKindStandard:
		return 20
	case StepKindTerminal:
		return 10
	}
	return 0
}

// IsProducer returns true if steps of this kind may be bound as the producer
// of a standard step input during graph construction.
func (k StepKind) IsProducer() bool {
	return k == StepKindStandard || k == StepKindGenerator
}

// ParseStepKind converts a string to a StepKind. Empty input yields STANDARD.
func ParseStepKind(s string) (StepKind, bool) {
	switch StepKind(s) {
	case "":
		return StepKindStandard, true
	case StepKindRoot, StepKindDesign, StepKindGenerator, StepKindStandard, StepKindTerminal:
		return StepKind(s), true
	}
	return "", false
}
