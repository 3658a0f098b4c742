package billing

import (
	"math"
	"time"
)

// Settle computes the charge for a call that went ACTIVE at startedAt and ended at now.
//
// duration = now - startedAt in fractional minutes, never negative.
// cost = max(minimumCost, floor(duration * pricePerMinute)).
// callee credit = floor(cost * 0.85); the platform keeps the rest.
func Settle(startedAt, now time.Time, pricePerMinute float64, minimumCost int64) Settlement {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := elapsed.Minutes()

	if pricePerMinute < 0 || math.IsNaN(pricePerMinute) || math.IsInf(pricePerMinute, 0) {
		pricePerMinute = 0
	}

	cost := int64(math.Floor(minutes * pricePerMinute))
	if cost < minimumCost {
		cost = minimumCost
	}

	s := split(cost)
	s.DurationMinutes = minutes
	s.PricePerMinute = pricePerMinute
	s.ComputedCost = cost
	return s
}

// Unstarted is the settlement of a call ended before it was accepted.
func Unstarted() Settlement {
	return Settlement{}
}

// ApplyOverdraft adjusts s against the caller's balance at settlement time.
func ApplyOverdraft(s Settlement, policy OverdraftPolicy, callerBalance int64) Settlement {
	if policy != OverdraftClamp || s.Cost <= callerBalance {
		return s
	}
	charge := callerBalance
	if charge < 0 {
		charge = 0
	}
	out := split(charge)
	out.DurationMinutes = s.DurationMinutes
	out.PricePerMinute = s.PricePerMinute
	out.ComputedCost = s.ComputedCost
	out.Clamped = true
	return out
}

// CalleeCredit returns floor(cost * (1 - PlatformFeeRate)) for a non-negative cost.
func CalleeCredit(cost int64) int64 {
	if cost <= 0 {
		return 0
	}
	return cost * calleeSharePercent / 100
}

func split(cost int64) Settlement {
	credit := CalleeCredit(cost)
	return Settlement{
		Cost:         cost,
		CalleeCredit: credit,
		PlatformFee:  cost - credit,
	}
}
