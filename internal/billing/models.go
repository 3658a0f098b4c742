package billing

import (
	"fmt"
	"strings"
)

// Token amounts are whole tokens held in int64.
const (
	// MinimumCallCost is charged for any call that reached ACTIVE, however short.
	MinimumCallCost int64 = 10

	// MinimumCallBalance is the balance a caller needs before a call may be initiated.
	MinimumCallBalance int64 = 10

	// PlatformFeeRate is the share of each cost kept by the platform.
	PlatformFeeRate = 0.15

	// calleeSharePercent is 1-PlatformFeeRate in whole percent, used for exact integer flooring.
	calleeSharePercent = 85
)

// Settlement is the outcome of billing one call.
// Cost == CalleeCredit + PlatformFee always holds.
type Settlement struct {
	DurationMinutes float64 `json:"duration_minutes"`
	PricePerMinute  float64 `json:"price_per_minute"`

	Cost         int64 `json:"cost"`
	CalleeCredit int64 `json:"callee_credit"`
	PlatformFee  int64 `json:"platform_fee"`

	// Clamped is set when an overdraft policy reduced Cost below the computed amount.
	Clamped      bool  `json:"clamped,omitempty"`
	ComputedCost int64 `json:"computed_cost"`
}

// OverdraftPolicy decides what happens when the caller cannot cover the cost at settlement.
// Balance is only checked at initiate, so a long call can cost more than the caller holds.
type OverdraftPolicy string

const (
	// OverdraftAllow debits the full cost; the caller balance may go negative.
	OverdraftAllow OverdraftPolicy = "allow"
	// OverdraftClamp charges at most the caller's non-negative balance.
	OverdraftClamp OverdraftPolicy = "clamp"
)

func ParseOverdraftPolicy(v string) (OverdraftPolicy, error) {
	switch p := OverdraftPolicy(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return OverdraftAllow, nil
	case OverdraftAllow, OverdraftClamp:
		return p, nil
	default:
		return "", fmt.Errorf("billing: unknown overdraft policy %q", v)
	}
}

// AllowsNegative reports whether the caller debit may take the balance below zero.
func (p OverdraftPolicy) AllowsNegative() bool {
	return p != OverdraftClamp
}
