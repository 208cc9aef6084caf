// Package domain defines the core types for the relying party.
package domain

import (
	"time"
)

// FlowState binds the state parameter of one login attempt to the secrets
// needed to finish it. It is stored at login and consumed exactly once at
// callback.
type FlowState struct {
	ID           string    `json:"id" cbor:"1,keyasint"` // correlation id for logs
	State        string    `json:"state" cbor:"2,keyasint"`
	CodeVerifier string    `json:"code_verifier" cbor:"3,keyasint"`
	Nonce        string    `json:"nonce" cbor:"4,keyasint"`
	RedirectURI  string    `json:"redirect_uri" cbor:"5,keyasint"`
	CreatedAt    time.Time `json:"created_at" cbor:"6,keyasint"`
	ExpiresAt    time.Time `json:"expires_at" cbor:"7,keyasint"`
}

// IsExpired checks if the flow state has expired.
func (f *FlowState) IsExpired() bool {
	return f.IsExpiredAt(time.Now())
}

// IsExpiredAt checks if the flow state has expired at now.
func (f *FlowState) IsExpiredAt(now time.Time) bool {
	return now.After(f.ExpiresAt)
}

// Session represents a signed-in user after a completed flow.
type Session struct {
	ID        string         `json:"id" cbor:"1,keyasint"`
	Subject   string         `json:"subject" cbor:"2,keyasint"`
	Profile   map[string]any `json:"profile,omitempty" cbor:"3,keyasint,omitempty"`
	CreatedAt time.Time      `json:"created_at" cbor:"4,keyasint"`
	ExpiresAt time.Time      `json:"expires_at" cbor:"5,keyasint"`
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
