package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Passwords hashes and verifies passwords. The plaintext is first run through
// HMAC-SHA256 keyed with the pepper, which also keeps long passwords under
// bcrypt's 72 byte input limit.
type Passwords struct {
	pepper []byte
	cost   int
	dummy  []byte
}

// NewPasswords returns a hasher using pepper and the given bcrypt cost
// (bcrypt.DefaultCost when cost is 0).
func NewPasswords(pepper string, cost int) (*Passwords, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, errors.New("auth: bcrypt cost out of range")
	}
	p := &Passwords{pepper: []byte(pepper), cost: cost}
	dummy, err := bcrypt.GenerateFromPassword(p.prehash("tollgate-dummy-password"), cost)
	if err != nil {
		return nil, err
	}
	p.dummy = dummy
	return p, nil
}

func (p *Passwords) prehash(password string) []byte {
	mac := hmac.New(sha256.New, p.pepper)
	mac.Write([]byte(password))
	sum := mac.Sum(nil)
	out := make([]byte, base64.RawStdEncoding.EncodedLen(len(sum)))
	base64.RawStdEncoding.Encode(out, sum)
	return out
}

// Hash hashes plaintext password using bcrypt over the peppered digest.
func (p *Passwords) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword(p.prehash(password), p.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. An empty or malformed hash
// is compared against a dummy so the call costs the same either way.
func (p *Passwords) Verify(hash, password string) bool {
	target := []byte(hash)
	if _, err := bcrypt.Cost(target); err != nil {
		p.Burn(password)
		return false
	}
	return bcrypt.CompareHashAndPassword(target, p.prehash(password)) == nil
}

// Burn spends the same time as a real verification; used for unknown logins.
func (p *Passwords) Burn(password string) {
	_ = bcrypt.CompareHashAndPassword(p.dummy, p.prehash(password))
}
