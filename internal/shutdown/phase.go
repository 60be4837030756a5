package shutdown

// Phase is the coordinator's position in the shutdown sequence. Phases only
// move forward.
type Phase int32

const (
	Running Phase = iota
	Draining
	Terminating
	Closed
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
