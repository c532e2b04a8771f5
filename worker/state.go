package worker

// State is the lifecycle state of a worker.
//
//	Parsed -> Installing -> Waiting -> Activating -> Active -> Superseded
//	               \
//	                -> Redundant (install failed)
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateSuperseded
	StateRedundant
)

var stateNames = map[State]string{
	StateParsed:     "parsed",
	StateInstalling: "installing",
	StateWaiting:    "waiting",
	StateActivating: "activating",
	StateActive:     "active",
	StateSuperseded: "superseded",
	StateRedundant:  "redundant",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText makes states readable in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
