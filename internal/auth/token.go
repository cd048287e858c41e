// Package auth issues the bearer tokens handed out at login. A token names the
// session it was issued for and is honoured only while that session is the
// current one.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crportal/api/internal/record"
)

// tokenPrefix versions the token layout: crp1.<claims>.<signature>.
const tokenPrefix = "crp1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims identify the portal user and the session behind a token.
type Claims struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
	SID      string `json:"sid"`
	Exp      int64  `json:"exp"`
}

// Matches reports whether the claims belong to sess.
func (c Claims) Matches(sess record.Session) bool {
	return sess.ID != "" && hmac.Equal([]byte(c.SID), []byte(sess.ID)) && c.Email == sess.Email
}

// Signer issues and verifies session tokens with one secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue signs a token for sess that expires after the signer's ttl.
func (s *Signer) Issue(sess record.Session) (string, Claims, error) {
	claims := Claims{
		Email:    sess.Email,
		FullName: sess.FullName,
		Role:     sess.Role,
		SID:      sess.ID,
		Exp:      s.now().Add(s.ttl).Unix(),
	}
	token, err := s.sign(claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func (s *Signer) sign(claims Claims) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode session claims: %w", err)
	}
	body := tokenPrefix + "." + base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + s.mac(body), nil
}

// Verify checks the signature and expiry of token. It does not consult the
// session store; callers compare the result with the current session.
func (s *Signer) Verify(token string) (Claims, error) {
	cut := strings.LastIndexByte(token, '.')
	if cut < 0 {
		return Claims{}, ErrInvalidToken
	}
	body, signature := token[:cut], token[cut+1:]
	if !hmac.Equal([]byte(signature), []byte(s.mac(body))) {
		return Claims{}, ErrInvalidToken
	}
	encoded, ok := strings.CutPrefix(body, tokenPrefix+".")
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Email == "" || claims.SID == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Signer) mac(body string) string {
	h := hmac.New(sha256.New, s.secret)
	_, _ = h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
