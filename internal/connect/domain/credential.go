package domain

import "time"

// Credential is a connected social account: the encrypted token pair plus its
// lifecycle metadata. Token columns only ever hold ciphertext; plaintext lives
// transiently inside the outbound call path and nowhere else.
type Credential struct {
	ID                string
	OwnerID           string
	ExternalAccountID string
	ExternalHandle    string
	TargetDomain      string // dashboard domain whose OAuth app issued the tokens
	AccessTokenCT     string // AES-256-GCM ciphertext, base64url
	RefreshTokenCT    string
	Scopes            []string
	ExpiresAt         time.Time
	ConsentGrantedAt  time.Time
	Revoked           bool
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Usable reports whether the credential may back outbound calls at all.
// Token freshness is a separate concern handled by the refresh path.
func (c Credential) Usable() bool {
	return c.IsActive && !c.Revoked
}

// ExternalAccount is the platform-side identity a credential is bound to.
type ExternalAccount struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}
