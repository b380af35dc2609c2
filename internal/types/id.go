// README: Opaque identifiers shared by every module.
package types

import "github.com/google/uuid"

type ID string

// NewID returns a random UUID string id.
func NewID() ID {
	return ID(uuid.NewString())
}

// ValidID reports whether v looks like an id issued by NewID or by the
// identity provider (Firebase uids are 28 chars of [A-Za-z0-9]).
func ValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	if _, err := uuid.Parse(v); err == nil {
		return true
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// Ptr returns a pointer to a copy of id.
func (id ID) Ptr() *ID {
	return &id
}
