// Package fixtures holds constant test data shared across packages.
package fixtures

import "time"

const (
	StudentID  = "42"
	AdminID    = "7"
	UnknownID  = "9999"
	Student    = "STUDENT"
	Admin      = "ADMIN"
	Instructor = "INSTRUCTOR"

	TestIssuer   = "https://auth.gatekeeper.test"
	TestAudience = "gatekeeper"
	TestKeyID    = "user-service-key-1"

	// InternalSecret and EdgeSecret are 32-byte test secrets.
	InternalSecret = "internal-secret-0123456789abcdef"
	EdgeSecret     = "edge-hmac-secret-0123456789abcde"

	ClientAddr = "203.0.113.10"
)

// Epoch is the fixed start time used by clock-driven tests. Its Unix
// millisecond value is a round number to keep expected headers readable.
var Epoch = time.UnixMilli(1_700_000_000_000).UTC()
