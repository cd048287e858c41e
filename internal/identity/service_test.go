package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"crportal/api/internal/apperr"
	"crportal/api/internal/kv"
	"crportal/api/internal/record"
)

func newTestService(t *testing.T) (*Service, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	clock := time.Date(2024, 4, 15, 9, 30, 0, 0, time.UTC)
	svc := NewService(store, WithHashCost(bcrypt.MinCost), WithClock(func() time.Time { return clock }))
	return svc, store
}

func validRegistration() RegisterRequest {
	return RegisterRequest{
		FullName:        "Ada Lovelace",
		Email:           "Ada@Example.com",
		Password:        "Abcdefg1",
		ConfirmPassword: "Abcdefg1",
		Role:            "BA Team",
	}
}

func TestRegisterThenLogin(t *testing.T) {
	ctx := context.Background()
	cases := []RegisterRequest{
		validRegistration(),
		{FullName: "Grace", Email: "grace@navy.mil", Password: "Cobol1959", ConfirmPassword: "Cobol1959"},
		{FullName: strings.Repeat("x", 100), Email: "Q@A.io", Password: "Passw0rdPassw0rd", ConfirmPassword: "Passw0rdPassw0rd", Role: "QA Team"},
		{FullName: "Long Pass", Email: "long@example.com", Password: "Abcdefg1" + strings.Repeat("x", 72), ConfirmPassword: "Abcdefg1" + strings.Repeat("x", 72)},
	}
	for _, req := range cases {
		t.Run(req.Email, func(t *testing.T) {
			svc, _ := newTestService(t)
			user, err := svc.Register(ctx, req)
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if user.Email != strings.ToLower(req.Email) || user.Status != record.UserStatusActive {
				t.Fatalf("unexpected user: %+v", user)
			}
			if user.Password == req.Password {
				t.Fatal("password must not be stored in plaintext")
			}

			sess, err := svc.Login(ctx, req.Email, req.Password)
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if sess.Email != strings.ToLower(req.Email) || sess.ID == "" {
				t.Fatalf("unexpected session: %+v", sess)
			}
			current, err := svc.Current(ctx)
			if err != nil || current != sess {
				t.Fatalf("Current() = %+v, %v; want %+v", current, err, sess)
			}
		})
	}
}

func TestRegisterDefaultsRoleAndIndexesUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	req := validRegistration()
	req.Role = ""
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Role != "Requester" {
		t.Fatalf("expected Requester default, got %q", user.Role)
	}
	if user.RegisteredAt != "2024-04-15T09:30:00.000Z" {
		t.Fatalf("unexpected registeredAt %q", user.RegisteredAt)
	}

	other := validRegistration()
	other.Email = "bob@example.com"
	if _, err := svc.Register(ctx, other); err != nil {
		t.Fatalf("Register(bob) error = %v", err)
	}
	users, err := svc.Users(ctx)
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 2 || users[0] != "ada@example.com" || users[1] != "bob@example.com" {
		t.Fatalf("users:list = %v", users)
	}
}

func TestRegisterDuplicateAnyCase(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Register(ctx, validRegistration()); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	for _, email := range []string{"ada@example.com", "ADA@EXAMPLE.COM", "  aDa@example.Com "} {
		req := validRegistration()
		req.Email = email
		if _, err := svc.Register(ctx, req); !errors.Is(err, apperr.ErrDuplicateUser) {
			t.Fatalf("Register(%q) error = %v, want ErrDuplicateUser", email, err)
		}
	}
	users, _ := svc.Users(ctx)
	if len(users) != 1 {
		t.Fatalf("duplicate attempts must not touch users:list, got %v", users)
	}
}

func TestRegisterValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RegisterRequest)
		field  string
		msg    string
	}{
		{"missing name", func(r *RegisterRequest) { r.FullName = "  " }, "fullName", "Full name is required"},
		{"long name", func(r *RegisterRequest) { r.FullName = strings.Repeat("n", 101) }, "fullName", "Full name must not exceed 100 characters"},
		{"missing email", func(r *RegisterRequest) { r.Email = "" }, "email", "Email is required"},
		{"bad email", func(r *RegisterRequest) { r.Email = "ada@example" }, "email", "Please enter a valid email address"},
		{"long email", func(r *RegisterRequest) { r.Email = strings.Repeat("a", 95) + "@x.com" }, "email", "Email must not exceed 100 characters"},
		{"weak password", func(r *RegisterRequest) { r.Password, r.ConfirmPassword = "abcdefgh", "abcdefgh" }, "password", "Password must be at least 8 characters with uppercase, lowercase, and number"},
		{"missing confirm", func(r *RegisterRequest) { r.ConfirmPassword = "" }, "confirmPassword", "Please confirm your password"},
		{"mismatch", func(r *RegisterRequest) { r.ConfirmPassword = "Abcdefg2" }, "confirmPassword", "Passwords do not match"},
		{"bad role", func(r *RegisterRequest) { r.Role = "Manager" }, "role", "Please select a valid role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := newTestService(t)
			req := validRegistration()
			tc.mutate(&req)
			_, err := svc.Register(context.Background(), req)
			verr, ok := apperr.AsValidation(err)
			if !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if got := verr.Fields[tc.field]; got != tc.msg {
				t.Fatalf("field %s message = %q, want %q (all: %v)", tc.field, got, tc.msg, verr.Fields)
			}
			if len(store.Snapshot()) != 0 {
				t.Fatal("invalid registration must not write anything")
			}
		})
	}
}

func TestLoginFailures(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if _, err := svc.Register(ctx, validRegistration()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := svc.Login(ctx, "nobody@example.com", "Abcdefg1"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "Abcdefg2"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "", ""); err == nil {
		t.Fatal("blank credentials should fail validation")
	} else if verr, ok := apperr.AsValidation(err); !ok || !verr.Has("email") || !verr.Has("password") {
		t.Fatalf("expected email and password field errors, got %v", err)
	}
	if _, err := svc.Current(ctx); !errors.Is(err, apperr.ErrNoSession) {
		t.Fatalf("failed logins must not create a session, got %v", err)
	}
}

func TestLoginLastWinsAndLogout(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, _ = svc.Register(ctx, validRegistration())
	second := validRegistration()
	second.Email = "bob@example.com"
	_, _ = svc.Register(ctx, second)

	first, err := svc.Login(ctx, "ada@example.com", "Abcdefg1")
	if err != nil {
		t.Fatalf("Login(ada) error = %v", err)
	}
	latest, err := svc.Login(ctx, "bob@example.com", "Abcdefg1")
	if err != nil {
		t.Fatalf("Login(bob) error = %v", err)
	}
	if first.ID == latest.ID {
		t.Fatal("each login must mint a new session id")
	}
	current, _ := svc.Current(ctx)
	if current.Email != "bob@example.com" {
		t.Fatalf("last login should win, current = %+v", current)
	}

	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("second Logout() error = %v", err)
	}
	if _, err := svc.Current(ctx); !errors.Is(err, apperr.ErrNoSession) {
		t.Fatalf("expected ErrNoSession after logout, got %v", err)
	}
}

func TestLoginUpgradesLegacyPlaintext(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	_ = store.Set(ctx, "user:legacy@example.com", `{"email":"legacy@example.com","fullName":"Legacy","password":"Plain1234","role":"Dev Team","registeredAt":"2023-01-01T00:00:00.000Z","status":"active"}`)

	if _, err := svc.Login(ctx, "legacy@example.com", "Plain1234"); err != nil {
		t.Fatalf("Login() with legacy password error = %v", err)
	}
	raw, _ := store.Get(ctx, "user:legacy@example.com")
	user, _ := record.Decode[record.User](raw)
	if user.Password == "Plain1234" || !isBcryptHash(user.Password) {
		t.Fatalf("legacy password was not upgraded: %q", user.Password)
	}
	if _, err := svc.Login(ctx, "legacy@example.com", "Plain1234"); err != nil {
		t.Fatalf("Login() after upgrade error = %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, _ = svc.Register(ctx, validRegistration())
	sess, _ := svc.Login(ctx, "ada@example.com", "Abcdefg1")

	if err := svc.ChangePassword(ctx, record.Session{}, ChangePasswordRequest{}); !errors.Is(err, apperr.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	invalid := []struct {
		req   ChangePasswordRequest
		field string
	}{
		{ChangePasswordRequest{NewPassword: "Newpass12", ConfirmPassword: "Newpass12"}, "oldPassword"},
		{ChangePasswordRequest{OldPassword: "Abcdefg1", NewPassword: "Ab1", ConfirmPassword: "Ab1"}, "newPassword"},
		{ChangePasswordRequest{OldPassword: "Abcdefg1", NewPassword: "Aa1" + strings.Repeat("x", 48), ConfirmPassword: "Aa1" + strings.Repeat("x", 48)}, "newPassword"},
		{ChangePasswordRequest{OldPassword: "Abcdefg1", NewPassword: "abcdefgh1", ConfirmPassword: "abcdefgh1"}, "newPassword"},
		{ChangePasswordRequest{OldPassword: "Abcdefg1", NewPassword: "Abcdefg1", ConfirmPassword: "Abcdefg1"}, "newPassword"},
		{ChangePasswordRequest{OldPassword: "Abcdefg1", NewPassword: "Newpass12", ConfirmPassword: "Newpass13"}, "confirmPassword"},
	}
	for _, tc := range invalid {
		err := svc.ChangePassword(ctx, sess, tc.req)
		if verr, ok := apperr.AsValidation(err); !ok || !verr.Has(tc.field) {
			t.Fatalf("ChangePassword(%+v) = %v, want validation error on %s", tc.req, err, tc.field)
		}
	}

	wrongOld := ChangePasswordRequest{OldPassword: "Wrong1234", NewPassword: "Newpass12", ConfirmPassword: "Newpass12"}
	if err := svc.ChangePassword(ctx, sess, wrongOld); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	ok := ChangePasswordRequest{OldPassword: "Abcdefg1", NewPassword: "Newpass12", ConfirmPassword: "Newpass12"}
	if err := svc.ChangePassword(ctx, sess, ok); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "Abcdefg1"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("old password should stop working, got %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "Newpass12"); err != nil {
		t.Fatalf("new password should work, got %v", err)
	}
	user, _, _ := svc.loadUser(ctx, "ada@example.com")
	if user.PasswordChangedAt == nil || *user.PasswordChangedAt != "2024-04-15T09:30:00.000Z" {
		t.Fatalf("passwordChangedAt = %v", user.PasswordChangedAt)
	}
}
