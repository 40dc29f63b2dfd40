package collector

// State is a phase of the poll loop
type State int

const (
	Idle State = iota
	Polling
	Sleeping
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Sleeping:
		return "sleeping"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}
