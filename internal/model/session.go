package model

import "time"

// UserSession is an opaque login token consumed by the API auth middleware.
type UserSession struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
