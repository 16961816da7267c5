package model

// IdentitySource tells how a caller was authenticated.
type IdentitySource string

const (
	IdentitySourceIngress IdentitySource = "ingress"
	IdentitySourceJWT     IdentitySource = "jwt"
)

// Identity is an authenticated dashboard user.
type Identity struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"displayName"`
	IsAdmin     bool           `json:"isAdmin"`
	Source      IdentitySource `json:"-"`
}
