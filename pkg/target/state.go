package target

import "fmt"

// State is the execution state of the target as tracked by the Controller.
type State int32

const (
	StateUnknown State = iota
	StateConnected
	StateHalted
	StateRunning
	StateProgramming
	StateError
)

var stateNames = map[State]string{
	StateUnknown:     "Unknown",
	StateConnected:   "Connected",
	StateHalted:      "Halted",
	StateRunning:     "Running",
	StateProgramming: "Programming",
	StateError:       "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// Action is a transition request.
type Action string

const (
	ActionConnect          Action = "connect"
	ActionHalt             Action = "halt"
	ActionResume           Action = "resume"
	ActionReset            Action = "reset"
	ActionEnterProgramming Action = "enter programming mode"
	ActionExitProgramming  Action = "exit programming mode"
)

// transitions lists, per action, the states it may start from and where it
// leads. Entering StateError is not an action: it happens on faults.
var transitions = map[Action]map[State]State{
	ActionConnect:          {StateUnknown: StateConnected},
	ActionHalt:             {StateConnected: StateHalted, StateRunning: StateHalted},
	ActionResume:           {StateHalted: StateRunning},
	ActionReset:            {StateError: StateConnected},
	ActionEnterProgramming: {StateHalted: StateProgramming},
	ActionExitProgramming:  {StateProgramming: StateHalted},
}

// Next returns the state reached by applying a in state s.
func Next(s State, a Action) (State, bool) {
	to, ok := transitions[a][s]
	return to, ok
}

// memoryStates are the states in which target memory may be accessed.
var memoryStates = map[State]bool{
	StateConnected:   true,
	StateHalted:      true,
	StateRunning:     true,
	StateProgramming: true,
}
