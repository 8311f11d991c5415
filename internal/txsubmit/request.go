package txsubmit

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallConfig is the sender-side configuration of one call or transaction.
type CallConfig struct {
	From     common.Address
	GasPrice *big.Int
	Nonce    *uint64
	GasLimit uint64
	Value    *big.Int
}

func (c CallConfig) clone() CallConfig {
	out := c
	if c.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(c.GasPrice)
	}
	if c.Value != nil {
		out.Value = new(big.Int).Set(c.Value)
	}
	if c.Nonce != nil {
		nonce := *c.Nonce
		out.Nonce = &nonce
	}
	return out
}

// Request is one state-changing contract call. Simulate is a read-only dry run, EstimateGas
// asks the node for a gas figure, and Send broadcasts and waits for the receipt.
type Request struct {
	Simulate    func(ctx context.Context, cfg CallConfig) ([]byte, error)
	EstimateGas func(ctx context.Context, cfg CallConfig) (uint64, error)
	Send        func(ctx context.Context, cfg CallConfig) (*types.Receipt, error)
	Config      CallConfig
}

type Outcome struct {
	SubmissionID string
	Receipt      *types.Receipt
	ReturnValue  []byte
	Config       CallConfig
	Attempts     int
}

type State string

const (
	StateSimulating  State = "SIMULATING"
	StateCallFailed  State = "CALL_FAILED"
	StateSendPending State = "SEND_PENDING"
	StateMined       State = "MINED"
	StateSendFailed  State = "SEND_FAILED"
)
