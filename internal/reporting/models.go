package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ActivityRequest asks for one identity's activity over [Range.From, Range.To).
// Zero bounds default to the DefaultWindow ending now.
type ActivityRequest struct {
	Identity string    `json:"identity"`
	Range    TimeRange `json:"range"`
}

// ActivitySummary aggregates calls and ledger movements for one identity.
type ActivitySummary struct {
	Identity string    `json:"identity"`
	Range    TimeRange `json:"range"`

	CallsPlaced    int `json:"calls_placed"`
	CallsReceived  int `json:"calls_received"`
	CallsEnded     int `json:"calls_ended"`
	CallsCancelled int `json:"calls_cancelled"`
	CallsOpen      int `json:"calls_open"`

	TalkMinutes        float64 `json:"talk_minutes"`
	AverageCallMinutes float64 `json:"average_call_minutes"`

	// TokensSpent is the sum of call debits; TokensEarned the sum of call credits.
	TokensSpent  int64 `json:"tokens_spent"`
	TokensEarned int64 `json:"tokens_earned"`
	// TokensCredited covers signup bonuses and admin grants.
	TokensCredited int64 `json:"tokens_credited"`
	NetDelta       int64 `json:"net_delta"`
}
