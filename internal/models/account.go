package models

import "time"

// Account is a login the client has stored for one server.
type Account struct {
	ServerURL     string    `json:"server_url"`
	User          User      `json:"user"`
	Token         string    `json:"-"`
	LastConnected time.Time `json:"last_connected"`
}
