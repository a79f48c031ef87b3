package model

import "time"

// Installation scopes persisted credentials. Each app installation (or CLI
// profile) gets its own id and its own derived sealing key.
type Installation struct {
	InstallationID string
	Label          string
	CreatedAt      time.Time
}

// SealedCredential is one encrypted key/value row. Sealed holds
// nonce||ciphertext produced with the installation key of KeyVersion.
type SealedCredential struct {
	InstallationID string
	Key            string
	Sealed         []byte
	KeyVersion     int
	UpdatedAt      time.Time
}

// Credential keys written by the session manager.
const (
	KeyPrimaryToken    = "primary_token"
	KeySecondaryToken  = "secondary_token"
	KeyAccountUsername = "account_username"
	KeyAccountSecret   = "account_secret"
	KeyServerUsername  = "server_username"
	KeyServerPassword  = "server_password"
)

// TokenState is the per-class lifecycle position.
type TokenState string

const (
	TokenAbsent    TokenState = "absent"
	TokenAcquiring TokenState = "acquiring"
	TokenValid     TokenState = "valid"
)
