package models

import "time"

// Role is the platform role carried in the auth token and mirrored on the
// ledger account.
type Role string

const (
	RoleReader Role = "reader"
	RoleAuthor Role = "author"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleReader, RoleAuthor, RoleAdmin:
		return true
	}
	return false
}

// CanEarn is true for roles that may receive tips and cash out.
func (r Role) CanEarn() bool {
	return r == RoleAuthor || r == RoleAdmin
}

// Account is the cached per-user token balance. Balance always equals the
// signed sum of the account's applied ledger entries.
type Account struct {
	ID          string    `json:"id" db:"id"`
	Role        Role      `json:"role" db:"role"`
	Balance     int64     `json:"balance" db:"balance"`
	TotalEarned int64     `json:"total_earned" db:"total_earned"`
	TotalSpent  int64     `json:"total_spent" db:"total_spent"`
	Version     int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Balance is the public view returned by GET /tokens/balance.
type Balance struct {
	Balance     int64 `json:"balance"`
	TotalEarned int64 `json:"total_earned"`
	TotalSpent  int64 `json:"total_spent"`
}
