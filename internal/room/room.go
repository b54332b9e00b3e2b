// Package room derives and parses tenant-scoped room keys.
//
// Key formats:
//
//	{tenant}:general
//	{tenant}:dm:{min(a,b)}:{max(a,b)}
package room

import (
	"errors"
	"strings"
)

const (
	sep = ":"

	KindGeneral = "general"
	KindDM      = "dm"

	// MaxIdentifierLen matches the tenant and sender columns of the
	// message store.
	MaxIdentifierLen = 128
)

var ErrInvalid = errors.New("room: invalid identifier")

// ValidIdentifier reports whether s can be used as a tenant or principal.
// The separator is forbidden so a tenant prefix can never be forged.
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= MaxIdentifierLen && !strings.Contains(s, sep)
}

func General(tenant string) (string, error) {
	if !ValidIdentifier(tenant) {
		return "", ErrInvalid
	}
	return tenant + sep + KindGeneral, nil
}

// DM returns the same key for (a, b) and (b, a).
func DM(tenant, a, b string) (string, error) {
	if !ValidIdentifier(tenant) || !ValidIdentifier(a) || !ValidIdentifier(b) {
		return "", ErrInvalid
	}
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{tenant, KindDM, a, b}, sep), nil
}

type Key struct {
	Tenant       string
	Kind         string
	Participants []string // dm only, sorted
}

func (k Key) String() string {
	if k.Kind == KindDM {
		return strings.Join(append([]string{k.Tenant, KindDM}, k.Participants...), sep)
	}
	return k.Tenant + sep + KindGeneral
}

// Includes reports whether principal may talk in the room.
func (k Key) Includes(principal string) bool {
	if k.Kind == KindGeneral {
		return true
	}
	for _, p := range k.Participants {
		if p == principal {
			return true
		}
	}
	return false
}

func Parse(key string) (Key, error) {
	parts := strings.Split(key, sep)
	for _, p := range parts {
		if p == "" {
			return Key{}, ErrInvalid
		}
	}

	switch {
	case len(parts) == 2 && parts[1] == KindGeneral:
		return Key{Tenant: parts[0], Kind: KindGeneral}, nil
	case len(parts) == 4 && parts[1] == KindDM:
		// only the canonical ordering is a valid key
		if parts[3] < parts[2] {
			return Key{}, ErrInvalid
		}
		return Key{Tenant: parts[0], Kind: KindDM, Participants: []string{parts[2], parts[3]}}, nil
	}
	return Key{}, ErrInvalid
}

func BelongsTo(key, tenant string) bool {
	k, err := Parse(key)
	if err != nil {
		return false
	}
	return k.Tenant == tenant
}
