package replication

import "meshkv/internal/security"

// freshMsgID mints a new random 128-bit message id for locally authored
// writes.
func freshMsgID() (string, error) {
	return security.GenerateSecureID()
}
