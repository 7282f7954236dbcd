package phase

type modeKind int

const (
	modeResume modeKind = iota
	modeFromPhase
	modeRestart
	modeNextRound
)

// Mode selects where a run starts.
type Mode struct {
	kind  modeKind
	phase string
}

// Resume skips completed phases and retries the last failed one after its cleanup.
func Resume() Mode { return Mode{kind: modeResume} }

// FromPhase starts at id, which may be at most one phase past the last successful one.
func FromPhase(id string) Mode { return Mode{kind: modeFromPhase, phase: id} }

// Restart reruns every phase over the existing data.
func Restart() Mode { return Mode{kind: modeRestart} }

// NextRound starts a new round once the previous one reached its final phase.
func NextRound() Mode { return Mode{kind: modeNextRound} }

func (m Mode) String() string {
	switch m.kind {
	case modeFromPhase:
		return "from-phase(" + m.phase + ")"
	case modeRestart:
		return "restart"
	case modeNextRound:
		return "next-round"
	default:
		return "resume"
	}
}
