package entity

import "golang.org/x/text/unicode/norm"

// Actor is the party performing an operation
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// CanonicalID normalizes an identifier so visually identical ids compare equal
func CanonicalID(id string) string {
	return norm.NFC.String(id)
}
