// Package auth provides credential hashing, JWT session tokens and
// long-lived API keys.
//
// Passwords are stored as bcrypt hashes. Session tokens are signed JWTs
// carrying the user shortname; API keys are random secrets stored only as
// SHA256 hashes, in the form trove_[base64url(32 random bytes)].
package auth
