package session

import "time"

// Session is one login of a subject on one device.
//
// FamilyID links the session to the refresh-token family issued at login;
// ending the session revokes that family.
type Session struct {
	SchemaVersion uint8

	SessionID string
	Subject   string
	FamilyID  string

	// Device is the raw client description, usually a User-Agent header.
	Device string
	// DeviceLabel is a human-readable summary of Device.
	DeviceLabel string

	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
