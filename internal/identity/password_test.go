package identity

import (
	"strings"
	"testing"
)

func TestStrength(t *testing.T) {
	cases := []struct {
		password string
		score    int
		label    string
	}{
		{"", 0, ""},
		{"abc", 25, "Weak"},
		{"abcdefgh", 50, "Fair"},
		{"Abcdefgh", 75, "Good"},
		{"Abcdefg1", 100, "Strong"},
		{"12345678", 50, "Fair"},
		{"ABC", 25, "Weak"},
		{"!!!", 0, "Weak"},
	}
	for _, tc := range cases {
		t.Run(tc.password, func(t *testing.T) {
			score, label := Strength(tc.password)
			if score != tc.score || label != tc.label {
				t.Fatalf("Strength(%q) = (%d, %q), want (%d, %q)", tc.password, score, label, tc.score, tc.label)
			}
		})
	}
}

func TestCheckPassword(t *testing.T) {
	checks := CheckPassword("Abcdefg1")
	if !checks.Passed() {
		t.Fatalf("expected all checks to pass: %+v", checks)
	}
	checks = CheckPassword("ÄBCDEFGh1")
	if checks.Uppercase != true || checks.Lowercase != true {
		t.Fatalf("unexpected checks: %+v", checks)
	}
	if CheckPassword("Ab1").MinLength {
		t.Fatal("short password should fail min length")
	}
}

func TestVerifyPassword(t *testing.T) {
	hash, err := hashPassword("Secret123", 4)
	if err != nil {
		t.Fatalf("hashPassword() error = %v", err)
	}
	if ok, legacy := verifyPassword(hash, "Secret123"); !ok || legacy {
		t.Fatalf("verifyPassword(hash) = %v, %v", ok, legacy)
	}
	if ok, _ := verifyPassword(hash, "Secret124"); ok {
		t.Fatal("wrong password matched hash")
	}
	if ok, legacy := verifyPassword("Secret123", "Secret123"); !ok || !legacy {
		t.Fatalf("verifyPassword(plain) = %v, %v", ok, legacy)
	}
	if ok, _ := verifyPassword("$2not-a-hash", "$2not-a-hash"); !ok {
		t.Fatal("plaintext that merely looks like a hash prefix should compare literally")
	}
}

func TestVerifyPasswordBeyondBcryptLimit(t *testing.T) {
	long := "Abcdefg1" + strings.Repeat("x", 72)
	hash, err := hashPassword(long, 4)
	if err != nil {
		t.Fatalf("hashPassword() error = %v", err)
	}
	if ok, _ := verifyPassword(hash, long); !ok {
		t.Fatal("long password did not verify")
	}
	if ok, _ := verifyPassword(hash, long+"y"); ok {
		t.Fatal("password differing after byte 72 matched")
	}
}
