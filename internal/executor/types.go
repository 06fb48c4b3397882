package executor

import (
	"fmt"

	"execution-core/internal/order"
)

// Mode selects how orders leave the process.
type Mode string

const (
	ModeDryRun Mode = "dry_run" // local bookkeeping only
	ModePaper  Mode = "paper"   // synthetic immediate fills
	ModeLive   Mode = "live"    // real orders via the connector
)

// Intent is the strategy's directive for a symbol.
type Intent string

const (
	IntentLong  Intent = "long"
	IntentShort Intent = "short"
	IntentExit  Intent = "exit"
	IntentHold  Intent = "hold"
)

// Decision is the strategy input. It is validated at the executor boundary
// so malformed producer output cannot reach the order path.
type Decision struct {
	Intent     Intent
	Confidence float64 // [0,1]
	SizeHint   float64 // fraction of capital; 0 uses the default risk pct
	Reason     string
}

// Validate rejects decisions outside the closed contract.
func (d Decision) Validate() error {
	switch d.Intent {
	case IntentLong, IntentShort, IntentExit, IntentHold:
	default:
		return fmt.Errorf("unknown intent %q", d.Intent)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %.4f outside [0,1]", d.Confidence)
	}
	if d.SizeHint < 0 || d.SizeHint > 1 {
		return fmt.Errorf("size hint %.4f outside [0,1]", d.SizeHint)
	}
	return nil
}

// ExecutionResult is the read-only outcome snapshot handed back to callers.
type ExecutionResult struct {
	Success         bool
	Status          order.State
	OrderID         string
	ExchangeOrderID string
	FilledQty       float64
	AvgPrice        float64
	Commission      float64
	ErrorMessage    string
}

func failedResult(format string, args ...any) ExecutionResult {
	return ExecutionResult{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}
