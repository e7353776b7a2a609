// Package identity resolves who a storefront request belongs to: a
// platform-verified customer or an anonymous guest session.
package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when a request's provenance cannot be
	// verified.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorizationMismatch is returned when a request asserts a
	// customer identity that does not match the verified one.
	ErrAuthorizationMismatch = errors.New("customer identity mismatch")
)

const (
	customerKeyPrefix = "customer:"
	sessionKeyPrefix  = "session:"
)

// Identity is exactly one of a verified customer id or a guest session hash.
type Identity struct {
	CustomerID  string
	SessionHash string
}

// Customer returns the identity of a logged-in customer.
func Customer(id string) Identity {
	return Identity{CustomerID: id}
}

// Guest returns the identity of a guest session.
func Guest(sessionHash string) Identity {
	return Identity{SessionHash: sessionHash}
}

// IsCustomer reports whether the identity is a logged-in customer.
func (i Identity) IsCustomer() bool {
	return i.CustomerID != ""
}

// Key returns the storage key for the identity.
func (i Identity) Key() string {
	if i.IsCustomer() {
		return customerKeyPrefix + i.CustomerID
	}

	return sessionKeyPrefix + i.SessionHash
}

// Validate checks that exactly one of customer id and session hash is set.
func (i Identity) Validate() error {
	switch {
	case i.CustomerID != "" && i.SessionHash != "":
		return fmt.Errorf("identity has both customer id and session hash")
	case i.CustomerID == "" && i.SessionHash == "":
		return fmt.Errorf("identity is empty")
	}

	return nil
}

func (i Identity) String() string {
	return i.Key()
}
