// Package identity registers portal users, signs them in and out, and
// manages the single current session.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"crportal/api/internal/apperr"
	"crportal/api/internal/kv"
	"crportal/api/internal/logging"
	"crportal/api/internal/rbac"
	"crportal/api/internal/record"
)

// Service implements registration, login, password change and logout on top
// of a key-value store.
type Service struct {
	store    kv.Store
	now      func() time.Time
	newID    func() string
	hashCost int

	// guards read-modify-write of users:list
	mu sync.Mutex
}

type Option func(*Service)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHashCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

func NewService(store kv.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		now:      time.Now,
		newID:    uuid.NewString,
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterRequest struct {
	FullName        string `json:"fullName" validate:"required,max=100"`
	Email           string `json:"email" validate:"required,max=100,portal_email"`
	Password        string `json:"password" validate:"required,strong_password"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	Role            string `json:"role" validate:"portal_role"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type ChangePasswordRequest struct {
	OldPassword     string `json:"oldPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=50,password_chars,nefield=OldPassword"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=NewPassword"`
}

// Register creates a user keyed by the lowercased e-mail and adds it to users:list.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (record.User, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = record.NormalizeEmail(req.Email)
	req.Role = string(rbac.Normalize(req.Role))
	if err := check(req, registerMessages); err != nil {
		return record.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.UserKey(req.Email)
	if _, found := kv.Lookup(ctx, s.store, key); found {
		return record.User{}, apperr.ErrDuplicateUser
	}

	hash, err := hashPassword(req.Password, s.hashCost)
	if err != nil {
		return record.User{}, err
	}
	user := record.User{
		Email:        req.Email,
		FullName:     req.FullName,
		Password:     hash,
		Role:         req.Role,
		RegisteredAt: record.Timestamp(s.now()),
		Status:       record.UserStatusActive,
	}
	if err := s.saveUser(ctx, user); err != nil {
		return record.User{}, err
	}
	if err := s.appendUserIndex(ctx, user.Email); err != nil {
		return record.User{}, err
	}

	logging.FromContext(ctx).WithField("email", user.Email).WithField("role", user.Role).Info("identity: user registered")
	return user, nil
}

// Login verifies the credentials and replaces the current session. Unknown
// e-mail and wrong password both yield apperr.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (record.Session, error) {
	req := LoginRequest{Email: record.NormalizeEmail(email), Password: password}
	if err := check(req, loginMessages); err != nil {
		return record.Session{}, err
	}
	log := logging.FromContext(ctx).WithField("email", req.Email)

	user, found, err := s.loadUser(ctx, req.Email)
	if err != nil {
		return record.Session{}, err
	}
	if !found {
		log.Info("identity: login failed, user not found")
		return record.Session{}, apperr.ErrInvalidCredentials
	}
	ok, legacy := verifyPassword(user.Password, req.Password)
	if !ok {
		log.Info("identity: login failed, incorrect password")
		return record.Session{}, apperr.ErrInvalidCredentials
	}
	if legacy {
		s.upgradePassword(ctx, user, req.Password)
	}

	sess := record.Session{
		ID:       s.newID(),
		FullName: user.FullName,
		Email:    user.Email,
		Role:     user.Role,
		LoginAt:  record.Timestamp(s.now()),
	}
	encoded, err := record.Encode(sess)
	if err != nil {
		return record.Session{}, err
	}
	if err := s.store.Set(ctx, record.SessionKey, encoded); err != nil {
		return record.Session{}, fmt.Errorf("save session: %w", err)
	}
	log.Info("identity: user logged in")
	return sess, nil
}

// ChangePassword replaces the password of the signed-in user.
func (s *Service) ChangePassword(ctx context.Context, sess record.Session, req ChangePasswordRequest) error {
	if !sess.Active() {
		return apperr.ErrNoSession
	}
	if err := check(req, changePasswordMessages); err != nil {
		return err
	}

	user, found, err := s.loadUser(ctx, sess.Email)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("load user %s: %w", sess.Email, apperr.ErrNotFound)
	}
	if ok, _ := verifyPassword(user.Password, req.OldPassword); !ok {
		return apperr.ErrInvalidCredentials
	}

	hash, err := hashPassword(req.NewPassword, s.hashCost)
	if err != nil {
		return err
	}
	user.Password = hash
	user.PasswordChangedAt = record.StringPtr(record.Timestamp(s.now()))
	if err := s.saveUser(ctx, user); err != nil {
		return err
	}
	logging.FromContext(ctx).WithField("email", user.Email).Info("identity: password changed")
	return nil
}

// Logout removes the current session whether or not one exists.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.store.Delete(ctx, record.SessionKey); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Current returns the stored session or apperr.ErrNoSession.
func (s *Service) Current(ctx context.Context) (record.Session, error) {
	raw, found := kv.Lookup(ctx, s.store, record.SessionKey)
	if !found {
		return record.Session{}, apperr.ErrNoSession
	}
	sess, err := record.Decode[record.Session](raw)
	if err != nil {
		return record.Session{}, fmt.Errorf("read session: %w", err)
	}
	if !sess.Active() {
		return record.Session{}, apperr.ErrNoSession
	}
	return sess, nil
}

// Users returns every registered e-mail in registration order.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	raw, _ := kv.Lookup(ctx, s.store, record.UsersListKey)
	return record.DecodeList(raw)
}

func (s *Service) loadUser(ctx context.Context, email string) (record.User, bool, error) {
	raw, found := kv.Lookup(ctx, s.store, record.UserKey(email))
	if !found {
		return record.User{}, false, nil
	}
	user, err := record.Decode[record.User](raw)
	if err != nil {
		return record.User{}, false, fmt.Errorf("read user %s: %w", email, err)
	}
	return user, true, nil
}

func (s *Service) saveUser(ctx context.Context, user record.User) error {
	encoded, err := record.Encode(user)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, record.UserKey(user.Email), encoded); err != nil {
		return fmt.Errorf("save user %s: %w", user.Email, err)
	}
	return nil
}

func (s *Service) appendUserIndex(ctx context.Context, email string) error {
	raw, _ := kv.Lookup(ctx, s.store, record.UsersListKey)
	emails, err := record.DecodeList(raw)
	if err != nil {
		return err
	}
	for _, existing := range emails {
		if existing == email {
			return nil
		}
	}
	encoded, err := record.EncodeList(append(emails, email))
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, record.UsersListKey, encoded); err != nil {
		return fmt.Errorf("update users index: %w", err)
	}
	return nil
}

// upgradePassword replaces a plaintext password with its hash. Failure leaves
// the legacy value in place.
func (s *Service) upgradePassword(ctx context.Context, user record.User, password string) {
	log := logging.FromContext(ctx).WithField("email", user.Email)
	hash, err := hashPassword(password, s.hashCost)
	if err == nil {
		user.Password = hash
		err = s.saveUser(ctx, user)
	}
	if err != nil {
		log.WithError(err).Warn("identity: could not upgrade legacy password")
		return
	}
	log.Info("identity: upgraded legacy password")
}
