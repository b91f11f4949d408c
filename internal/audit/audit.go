// Package audit emits structured audit events for credential and
// account lifecycle changes.
package audit

import "identra.org/internal/obs"

// Action identifies what happened.
type Action string

const (
	UserRegistered   Action = "user.registered"
	UserLoggedIn     Action = "user.logged_in"
	UserUpdated      Action = "user.updated"
	UserDeleted      Action = "user.deleted"
	SessionRefreshed Action = "session.refreshed"
	SessionRevoked   Action = "session.revoked"
	OTPRequested     Action = "otp.requested"
	OTPVerified      Action = "otp.verified"
	OAuthLoggedIn    Action = "oauth.logged_in"
	OAuthUnlinked    Action = "oauth.unlinked"
	APIKeyCreated    Action = "api_key.created"
	APIKeyRevoked    Action = "api_key.revoked"
	AccessDenied     Action = "access.denied"
)

// Record writes one audit event to the structured log. Secrets never
// belong in fields; callers pass ids, emails and outcomes only.
func Record(action Action, fields map[string]any) {
	entry := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		entry[k] = v
	}
	entry["action"] = string(action)
	obs.LogEvent("audit", entry)
}
