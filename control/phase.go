package control

// Phase is the state of a timed actuation cycle.
type Phase int

const (
	Idle Phase = iota
	Dosing
	Mixing
	Running
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Dosing:
		return "dosing"
	case Mixing:
		return "mixing"
	case Running:
		return "running"
	}
	return "unknown"
}
