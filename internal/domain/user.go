package domain

import "time"

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	TokenTTLMin  int       `json:"token_ttl_min,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
