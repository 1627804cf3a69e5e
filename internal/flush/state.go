package flush

// State is the flush controller state.
type State int32

const (
	Idle State = iota
	Accumulating
	Flushing
	Retrying
	Fatal
)

var stateNames = [...]string{
	Idle:         "idle",
	Accumulating: "accumulating",
	Flushing:     "flushing",
	Retrying:     "retrying",
	Fatal:        "fatal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// AllStates lists state names, for metrics.
func AllStates() []string {
	return stateNames[:]
}
