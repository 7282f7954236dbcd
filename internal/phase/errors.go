package phase

import "fmt"

// ConfigError is raised before the phase loop starts: invalid schema, unknown or
// out-of-order resume target, misuse of NextRound.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "phase config: " + e.Msg + ": " + e.Err.Error()
	}
	return "phase config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ContractError reports a delta the engine cannot accept.
type ContractError struct {
	Phase string
	Msg   string
	Err   error
}

func (e *ContractError) Error() string {
	s := fmt.Sprintf("phase %s returned an invalid delta: %s", e.Phase, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ContractError) Unwrap() error { return e.Err }

// PanicError is a panic recovered from a phase body.
type PanicError struct {
	Phase string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("phase %s panicked: %v", e.Phase, e.Value)
}

// PhaseError wraps the failure of one phase after it was recorded in the state file.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
