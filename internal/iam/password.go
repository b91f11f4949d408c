package iam

import "golang.org/x/crypto/bcrypt"

// DefaultBcryptCost matches the work factor used for all stored hashes.
const DefaultBcryptCost = 12

// PasswordHasher abstracts the one-way password scheme so tests can swap
// in a cheap fake.
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Compare reports whether password matches hash. It must take the
	// same time for wrong passwords as for right ones.
	Compare(hash, password string) bool
}

// BcryptHasher is the production PasswordHasher.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher at the default cost.
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: DefaultBcryptCost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (h *BcryptHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
