package txsubmit

import (
	"errors"
	"fmt"
)

var (
	ErrSimulationReverted = errors.New("simulation reverted")
	ErrGasEstimation      = errors.New("gas estimation failed")
	ErrSendFailed         = errors.New("send failed")
	// ErrReverted marks a transaction that was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
)

type Phase string

const (
	PhaseSimulate Phase = "simulate"
	PhaseSend     Phase = "send"
)

// TxError is the terminal failure of a submission. It matches its Kind sentinel and its
// Cause with errors.Is.
type TxError struct {
	Phase        Phase
	Kind         error
	Cause        error
	Attempts     int
	SubmissionID string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s phase: %v after %d attempt(s): %v", e.Phase, e.Kind, e.Attempts, e.Cause)
}

func (e *TxError) Unwrap() []error { return []error{e.Kind, e.Cause} }
