package wallet

import "time"

// Balance is the per-identity projection of the ledger.
// Invariant: every change to Tokens has a corresponding Entry.
// Identities without any entry have a zero balance.
type Balance struct {
	Identity  string    `json:"identity" db:"identity"`
	Tokens    int64     `json:"tokens" db:"tokens"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Entry is an immutable append-only ledger row.
type Entry struct {
	ID       string `json:"id" db:"id"`
	Identity string `json:"identity" db:"identity"`

	// Type categorizes the entry. Keep stable.
	Type EntryType `json:"type" db:"type"`

	// Amount is signed: credits positive, debits negative.
	Amount int64 `json:"amount" db:"amount"`

	// ExternalRef is optional: call_id, "signup", "admin_grant".
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// IdempotencyKey makes retries safe; unique per identity.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// Metadata is optional JSON for audit/debug.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryType string

const (
	EntryTypeCredit EntryType = "credit" // signup bonus, call earning, admin grant
	EntryTypeDebit  EntryType = "debit"  // call charge
)

// AdminAction tracks privileged manual grants. The ledger entry it links to
// is the money record; this row records who did it and why.
type AdminAction struct {
	ID       string `json:"id" db:"id"`
	Identity string `json:"identity" db:"identity"`

	AdminUserID string `json:"admin_user_id" db:"admin_user_id"`
	AdminRole   string `json:"admin_role" db:"admin_role"`

	Reason string `json:"reason" db:"reason"`
	Amount int64  `json:"amount" db:"amount"`

	RelatedEntryID string `json:"related_entry_id" db:"related_entry_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
