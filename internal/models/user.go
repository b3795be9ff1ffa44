package models

import "time"

// User is the directory view of an account. The directory service owns it.
type User struct {
	ID              int64      `json:"id"`
	FullName        string     `json:"fullName"`
	Username        string     `json:"username"`
	Avatar          string     `json:"avatar"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
}
