package util

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when an account does not exist so that a
// miss costs the same as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	b, _ := bcrypt.GenerateFromPassword([]byte("gigrelay-dummy-password"), bcrypt.DefaultCost)
	return b
})

// HashPassword returns a bcrypt hash of password at the given cost, clamped
// to bcrypt's accepted range. A non-positive cost selects the default.
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ComparePassword reports whether password matches hash. An empty hash is
// compared against a fixed dummy and always fails.
func ComparePassword(hash, password string) bool {
	if hash == "" {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
