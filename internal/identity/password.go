package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 50
)

// PasswordChecks holds the four independent strength checks. Each passing
// check is worth 25 points.
type PasswordChecks struct {
	MinLength bool `json:"minLength"`
	Uppercase bool `json:"uppercase"`
	Lowercase bool `json:"lowercase"`
	Number    bool `json:"number"`
}

func CheckPassword(password string) PasswordChecks {
	checks := PasswordChecks{MinLength: utf8.RuneCountInString(password) >= MinPasswordLength}
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			checks.Uppercase = true
		case r >= 'a' && r <= 'z':
			checks.Lowercase = true
		case r >= '0' && r <= '9':
			checks.Number = true
		}
	}
	return checks
}

func (c PasswordChecks) Score() int {
	score := 0
	for _, ok := range []bool{c.MinLength, c.Uppercase, c.Lowercase, c.Number} {
		if ok {
			score += 25
		}
	}
	return score
}

func (c PasswordChecks) Passed() bool {
	return c.MinLength && c.Uppercase && c.Lowercase && c.Number
}

// Strength scores password and labels the score Weak, Fair, Good or Strong.
// An empty password has no label.
func Strength(password string) (int, string) {
	if password == "" {
		return 0, ""
	}
	score := CheckPassword(password).Score()
	switch {
	case score <= 25:
		return score, "Weak"
	case score <= 50:
		return score, "Fair"
	case score <= 75:
		return score, "Good"
	default:
		return score, "Strong"
	}
}

// bcryptInput digests the password so inputs longer than bcrypt's 72-byte
// limit are accepted and still distinguished in full.
func bcryptInput(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// verifyPassword compares supplied with the stored value. Records created
// before hashing hold the password itself; legacy reports that case so the
// caller can upgrade the record.
func verifyPassword(stored, supplied string) (ok bool, legacy bool) {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), bcryptInput(supplied)) == nil, false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1, true
}

func isBcryptHash(value string) bool {
	if !strings.HasPrefix(value, "$2") {
		return false
	}
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}
