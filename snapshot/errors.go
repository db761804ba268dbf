package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrTickTimeout marks a tick that ran out of its deadline
	ErrTickTimeout = errors.New("tick deadline exceeded")
	// ErrProjectionUnavailable marks a snapshot built without a projection
	ErrProjectionUnavailable = errors.New("block projection unavailable")
)

// Build steps reported in TickError
const (
	StepBlockchainInfo = "getblockchaininfo"
	StepNetworkInfo    = "getnetworkinfo"
	StepUptime         = "uptime"
	StepMempoolInfo    = "getmempoolinfo"
	StepRawMempool     = "getrawmempool"
)

// TickError is a failed tick. No snapshot was produced.
type TickError struct {
	Step    string
	Err     error
	Timeout bool
}

func (e *TickError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tick failed at %s (%v): %v", e.Step, ErrTickTimeout, e.Err)
	}
	return fmt.Sprintf("tick failed at %s: %v", e.Step, e.Err)
}

func (e *TickError) Unwrap() []error {
	if e.Timeout {
		return []error{e.Err, ErrTickTimeout}
	}
	return []error{e.Err}
}
