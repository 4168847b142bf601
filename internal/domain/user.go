package domain

import "time"

// User is an account allowed to submit and manage batches.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// LastLoginAt is nil until the first successful login.
	LastLoginAt *time.Time
}
