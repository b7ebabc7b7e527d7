package models

import (
	"time"
)

type User struct {
	ID                  string
	Email               string
	Name                string
	PasswordHash        string
	EmailVerified       bool
	Role                string // "user", "admin"
	Status              string // "active", "suspended", "disabled"
	TwoFactorEnabled    bool
	TwoFactorEnrolledAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
