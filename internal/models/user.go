package models

import "strings"

// User represents a registered account. Presence is derived from open
// sessions and is never stored on the user.
type User struct {
	ID        string `json:"id"`
	Login     string `json:"login"` // unique handle
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName joins the name parts, falling back to the login.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Login
	}
	return name
}
