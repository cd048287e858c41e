package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"crportal/api/internal/apperr"
	"crportal/api/internal/auth"
	"crportal/api/internal/changerequest"
	"crportal/api/internal/email"
	"crportal/api/internal/export"
	"crportal/api/internal/history"
	"crportal/api/internal/identity"
	"crportal/api/internal/kv"
	"crportal/api/internal/logging"
	"crportal/api/internal/query"
	"crportal/api/internal/record"
	"crportal/api/internal/search"
)

// Service wires identity, change requests, search and export over one
// key-value backend.
type Service struct {
	backend  kv.Backend
	identity *identity.Service
	crs      *changerequest.Repository
	search   *search.Service
	mailer   *email.Service
	history  *history.Repo
	tokens   *auth.Signer
	now      func() time.Time
}

type Options struct {
	TokenSecret string
	SessionTTL  time.Duration
	// Meili is optional; without it search scans the stored records.
	Meili  *search.Meili
	Mailer *email.Service
	// History is optional; without it CR changes are not audited.
	History *history.Repo
	Clock   func() time.Time
	// HashCost overrides the bcrypt cost; zero keeps the default.
	HashCost int
}

func New(backend kv.Backend, opts Options) *Service {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	identityOpts := []identity.Option{identity.WithClock(now)}
	if opts.HashCost > 0 {
		identityOpts = append(identityOpts, identity.WithHashCost(opts.HashCost))
	}

	s := &Service{
		backend:  backend,
		identity: identity.NewService(backend, identityOpts...),
		mailer:   opts.Mailer,
		history:  opts.History,
		tokens:   auth.NewSigner(opts.TokenSecret, ttl, now),
		now:      now,
	}

	// The local searcher reads through the repository, which in turn
	// reports its writes to the search service.
	s.search = search.NewService(opts.Meili, search.NewLocal(func(ctx context.Context) ([]record.ChangeRequest, error) {
		return s.crs.ListAll(ctx)
	}))
	repoOpts := []changerequest.Option{
		changerequest.WithClock(now),
		changerequest.WithIndexer(s.search),
	}
	if opts.Mailer != nil {
		repoOpts = append(repoOpts, changerequest.WithNotifier(opts.Mailer))
	}
	s.crs = changerequest.NewRepository(backend, repoOpts...)
	return s
}

// Close releases the search health loop and the backend.
func (s *Service) Close() error {
	s.search.Close()
	return s.backend.Close()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// StoreInfo describes the backend in use.
func (s *Service) StoreInfo() map[string]any {
	return map[string]any{
		"backend": s.backend.Name(),
		"scope":   string(s.backend.Scope()),
	}
}

func (s *Service) SearchEngine() string {
	if s.search.MeiliHealthy() {
		return search.EngineMeili
	}
	return search.EngineLocal
}

// Register creates an account. Duplicate e-mails carry field details.
func (s *Service) Register(ctx context.Context, req identity.RegisterRequest) (record.User, error) {
	user, err := s.identity.Register(ctx, req)
	if errors.Is(err, apperr.ErrDuplicateUser) {
		return record.User{}, domainError(http.StatusConflict, "DUPLICATE_USER", "An account with this email already exists",
			map[string]string{"email": "An account with this email already exists"})
	}
	return user, err
}

// LoginResult is a freshly opened session and its bearer token.
type LoginResult struct {
	Token     string         `json:"token"`
	ExpiresAt int64          `json:"expiresAt"`
	Session   record.Session `json:"session"`
}

func (s *Service) Login(ctx context.Context, req identity.LoginRequest) (LoginResult, error) {
	sess, err := s.identity.Login(ctx, req.Email, req.Password)
	if err != nil {
		return LoginResult{}, err
	}
	token, claims, err := s.tokens.Issue(sess)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: claims.Exp, Session: sess}, nil
}

// SessionFromToken returns the stored session the token was issued for. A
// token for an older session is rejected even if it has not expired.
func (s *Service) SessionFromToken(ctx context.Context, token string) (record.Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return record.Session{}, err
	}
	sess, err := s.identity.Current(ctx)
	if err != nil {
		return record.Session{}, err
	}
	if !claims.Matches(sess) {
		return record.Session{}, auth.ErrInvalidToken
	}
	return sess, nil
}

func (s *Service) Logout(ctx context.Context) error {
	return s.identity.Logout(ctx)
}

func (s *Service) ChangePassword(ctx context.Context, sess record.Session, req identity.ChangePasswordRequest) error {
	return s.identity.ChangePassword(ctx, sess, req)
}

// ListResult is one dashboard page plus counts over every stored CR.
type ListResult struct {
	query.Page
	Stats query.Stats `json:"stats"`
}

func (s *Service) ListChangeRequests(ctx context.Context, filter query.Filter, page int) (ListResult, error) {
	all, err := s.crs.ListAll(ctx)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{
		Page:  query.Paginate(query.Apply(all, filter), page),
		Stats: query.Summarize(all),
	}, nil
}

func (s *Service) CreateChangeRequest(ctx context.Context, sess record.Session, in changerequest.Input, upload *changerequest.Upload) (record.ChangeRequest, error) {
	cr, err := s.crs.Create(ctx, sess, in, upload)
	if err != nil {
		return cr, duplicateCode(err)
	}
	s.audit(ctx, history.ActionCreate, cr, sess)
	return cr, nil
}

func (s *Service) UpdateChangeRequest(ctx context.Context, sess record.Session, id string, in changerequest.Input, upload *changerequest.Upload, removeDocument bool) (record.ChangeRequest, error) {
	cr, err := s.crs.Update(ctx, sess, id, in, upload, removeDocument)
	if err != nil {
		return cr, duplicateCode(err)
	}
	s.audit(ctx, history.ActionUpdate, cr, sess)
	return cr, nil
}

func duplicateCode(err error) error {
	if errors.Is(err, apperr.ErrDuplicateCRCode) {
		return domainError(http.StatusConflict, "DUPLICATE_CR_CODE", "CR Code already exists",
			map[string]string{"crCode": "CR Code already exists"})
	}
	return err
}

func (s *Service) DeleteChangeRequest(ctx context.Context, sess record.Session, id string) error {
	var previous record.ChangeRequest
	if s.history != nil {
		cr, err := s.crs.Get(ctx, id)
		if err != nil {
			return err
		}
		previous = cr
	}
	if err := s.crs.Delete(ctx, id); err != nil {
		return err
	}
	if s.history != nil {
		s.audit(ctx, history.ActionDelete, previous, sess)
	}
	return nil
}

// audit records a change in the history repository. Failures are logged and
// never fail the write that triggered them.
func (s *Service) audit(ctx context.Context, action history.Action, cr record.ChangeRequest, sess record.Session) {
	if s.history == nil {
		return
	}
	hash, err := s.history.Record(action, cr, sess.FullName, sess.Email)
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"cr_id": cr.ID, "action": action})
	if err != nil {
		log.WithError(err).Warn("history: record failed")
		return
	}
	log.WithField("commit", hash).Debug("history: recorded")
}

// History lists the audit entries for a CR, newest first. Deleted CRs keep
// their history.
func (s *Service) History(ctx context.Context, id string, limit int) ([]history.Entry, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Change history is not enabled", nil)
	}
	entries, err := s.history.Log(id, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		return nil, apperr.ErrNotFound
	}
	return entries, nil
}

func (s *Service) GetChangeRequest(ctx context.Context, id string) (record.ChangeRequest, error) {
	return s.crs.Get(ctx, id)
}

func (s *Service) Document(ctx context.Context, id string) (record.Document, []byte, error) {
	return s.crs.Document(ctx, id)
}

// Export renders the CRs matching filter, newest first.
func (s *Service) Export(ctx context.Context, format export.Format, filter query.Filter) (*export.Result, error) {
	all, err := s.crs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return export.Render(ctx, format, query.Apply(all, filter), s.now())
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// Reindex pushes every CR to Meilisearch.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	n, err := s.search.ReindexAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	return n, nil
}

// Bootstrap runs once at start-up: it repairs the CR index and seeds the
// search index when Meilisearch is reachable.
func (s *Service) Bootstrap(ctx context.Context, log *logrus.Entry) {
	if restored, err := s.crs.RepairIndex(ctx); err != nil {
		log.WithError(err).Warn("bootstrap: cr index scan failed")
	} else if len(restored) > 0 {
		log.WithField("restored", restored).Warn("bootstrap: cr:list was missing entries")
	}
	crs, err := s.crs.ListAll(ctx)
	if err != nil {
		log.WithError(err).Warn("bootstrap: could not load change requests")
		return
	}
	n, err := s.search.ReindexAll(ctx)
	if err != nil {
		log.WithError(err).Warn("bootstrap: reindex failed")
		return
	}
	log.WithFields(logrus.Fields{"change_requests": len(crs), "indexed": n}).Info("bootstrap complete")
}
