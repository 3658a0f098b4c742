package directory

import "time"

// Status is an identity's reachability for calls.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusBusy:
		return true
	default:
		return false
	}
}

// Specialist categories offered on the platform.
const (
	CategoryMedico     = "Médico"
	CategoryPsicologo  = "Psicólogo"
	DefaultCategory    = CategoryMedico
	MinPricePerMinute  = 1.0
	MaxPricePerMinute  = 100.0
	DefaultPricePerMin = 1.0
)

// Profile is the directory record of one identity. Any identity may act as caller or callee;
// SpecialistMode only controls whether it is listed.
type Profile struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-" db:"password_hash"`
	Role         string `json:"role" db:"role"`

	Status Status `json:"status" db:"status"`

	Category       string  `json:"category,omitempty" db:"category"`
	PricePerMinute float64 `json:"price_per_minute" db:"price_per_minute"`
	SpecialistMode bool    `json:"specialist_mode" db:"specialist_mode"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
}

// PublicProfile is what other identities may see.
type PublicProfile struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         Status  `json:"status"`
	Category       string  `json:"category,omitempty"`
	PricePerMinute float64 `json:"price_per_minute"`
	SpecialistMode bool    `json:"specialist_mode"`
}

func (p Profile) Public() PublicProfile {
	return PublicProfile{
		ID:             p.ID,
		Name:           p.Name,
		Status:         p.Status,
		Category:       p.Category,
		PricePerMinute: p.PricePerMinute,
		SpecialistMode: p.SpecialistMode,
	}
}

// ProfileUpdate is a partial update; nil fields are left unchanged.
type ProfileUpdate struct {
	Name           *string  `json:"name,omitempty"`
	SpecialistMode *bool    `json:"specialist_mode,omitempty"`
	Category       *string  `json:"category,omitempty"`
	PricePerMinute *float64 `json:"price_per_minute,omitempty"`
}
