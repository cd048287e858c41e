package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"

	"crportal/api/internal/apperr"
	"crportal/api/internal/changerequest"
	"crportal/api/internal/export"
	"crportal/api/internal/identity"
	"crportal/api/internal/logging"
	"crportal/api/internal/metrics"
	"crportal/api/internal/query"
	"crportal/api/internal/rbac"
	"crportal/api/internal/record"
	"crportal/api/internal/search"
)

// base64 inflates a 10 MB attachment to ~13.4 MB; leave room for the fields.
const maxRequestBody = 16 << 20

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	log          *logrus.Entry
	loginLimiter *limiter.Limiter
}

type ServerOption func(*HTTPServer)

func WithLogger(entry *logrus.Entry) ServerOption {
	return func(s *HTTPServer) { s.log = entry }
}

// WithLoginLimiter rate limits register and login per client IP.
func WithLoginLimiter(l *limiter.Limiter) ServerOption {
	return func(s *HTTPServer) { s.loginLimiter = l }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	// CR ids come from user-chosen codes and may contain '/', sent as %2F.
	r := mux.NewRouter().UseEncodedPath()
	r.Use(observeRoute)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.Handle("/auth/register", s.limited(s.handleRegister)).Methods(http.MethodPost)
	api.Handle("/auth/login", s.limited(s.handleLogin)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/change-password", s.authed(s.handleChangePassword)).Methods(http.MethodPost)
	api.HandleFunc("/auth/password-strength", s.handlePasswordStrength).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)

	api.HandleFunc("/crs", s.authed(s.handleListCRs)).Methods(http.MethodGet)
	api.HandleFunc("/crs", s.authed(s.handleCreateCR)).Methods(http.MethodPost)
	api.HandleFunc("/crs/export", s.authed(s.handleExport)).Methods(http.MethodGet)
	api.HandleFunc("/crs/{id}", s.authed(s.handleGetCR)).Methods(http.MethodGet)
	api.HandleFunc("/crs/{id}", s.authed(s.handleUpdateCR)).Methods(http.MethodPut)
	api.HandleFunc("/crs/{id}", s.authed(s.handleDeleteCR)).Methods(http.MethodDelete)
	api.HandleFunc("/crs/{id}/document", s.authed(s.handleDocument)).Methods(http.MethodGet)
	api.HandleFunc("/crs/{id}/history", s.authed(s.handleHistory)).Methods(http.MethodGet)
	api.HandleFunc("/search", s.authed(s.handleSearch)).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID"},
		AllowCredentials: s.corsOrigin != "*",
	})
	return s.withMiddleware(c.Handler(r))
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess record.Session)

// authed resolves the bearer token to the current session before calling next.
func (s *HTTPServer) authed(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, sess)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (record.Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return record.Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return record.Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) limited(h http.HandlerFunc) http.Handler {
	if s.loginLimiter == nil {
		return h
	}
	mw := stdlib.NewMiddleware(s.loginLimiter, stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts. Please wait and try again.", nil)
	}))
	return mw.Handler(h)
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, sess record.Session, action rbac.Action) bool {
	if rbac.Can(rbac.Role(sess.Role), action) {
		return false
	}
	logging.FromContext(r.Context()).WithFields(logrus.Fields{"role": sess.Role, "action": action}).Warn("forbidden")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	return true
}

// fail writes the mapped error; server errors are logged with their cause.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	storeCheck := s.service.StoreInfo()
	storeCheck["status"] = "ok"
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		storeCheck["status"] = "error"
		storeCheck["error"] = err.Error()
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": map[string]any{
			"store":  storeCheck,
			"search": map[string]any{"engine": s.service.SearchEngine()},
		},
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body identity.RegisterRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.Register(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"email":        user.Email,
		"fullName":     user.FullName,
		"role":         user.Role,
		"registeredAt": user.RegisteredAt,
		"message":      "Registration successful! Please login.",
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body identity.LoginRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Login(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLogout always succeeds; an invalid or stale token does not clear a
// session that belongs to someone else.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if _, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			if err := s.service.Logout(r.Context()); err != nil {
				s.fail(w, r, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleChangePassword(w http.ResponseWriter, r *http.Request, sess record.Session) {
	var body identity.ChangePasswordRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ChangePassword(r.Context(), sess, body); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Password changed successfully!"})
}

func (s *HTTPServer) handlePasswordStrength(w http.ResponseWriter, r *http.Request) {
	password := r.URL.Query().Get("password")
	score, label := identity.Strength(password)
	writeJSON(w, http.StatusOK, map[string]any{
		"score":  score,
		"label":  label,
		"checks": identity.CheckPassword(password),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "session": nil})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "session": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "session": sess})
}

func (s *HTTPServer) handleListCRs(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionRead) {
		return
	}
	page := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page must be an integer", nil)
			return
		}
		page = parsed
	}
	result, err := s.service.ListChangeRequests(r.Context(), filterFromQuery(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateCR(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionWrite) {
		return
	}
	in, upload, _, err := decodeCRRequest(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.service.CreateChangeRequest(r.Context(), sess, in, upload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

func (s *HTTPServer) handleGetCR(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionRead) {
		return
	}
	cr, err := s.service.GetChangeRequest(r.Context(), crID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (s *HTTPServer) handleUpdateCR(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionWrite) {
		return
	}
	in, upload, removeDocument, err := decodeCRRequest(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cr, err := s.service.UpdateChangeRequest(r.Context(), sess, crID(r), in, upload, removeDocument)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (s *HTTPServer) handleDeleteCR(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionWrite) {
		return
	}
	if err := s.service.DeleteChangeRequest(r.Context(), sess, crID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// crID returns the decoded {id} path variable.
func crID(r *http.Request) string {
	raw := mux.Vars(r)["id"]
	id, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return id
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionRead) {
		return
	}
	doc, data, err := s.service.Document(r.Context(), crID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeAttachment(w, doc.Name, doc.Type, data)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionRead) {
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	entries, err := s.service.History(r.Context(), crID(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": crID(r), "entries": entries})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionExport) {
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Export(r.Context(), format, filterFromQuery(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeAttachment(w, result.Filename, result.MimeType, result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, sess record.Session) {
	if s.forbid(w, r, sess, rbac.ActionRead) {
		return
	}
	q := search.Query{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  20,
	}
	for name, target := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := strings.TrimSpace(r.URL.Query().Get(name))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
			return
		}
		*target = parsed
	}
	if q.Limit > search.MaxLimit {
		q.Limit = search.MaxLimit
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func filterFromQuery(r *http.Request) query.Filter {
	values := r.URL.Query()
	return query.Filter{
		Search:    values.Get("search"),
		Status:    values.Get("status"),
		DateField: values.Get("dateField"),
		From:      values.Get("from"),
		To:        values.Get("to"),
	}
}

// crRequest is the JSON form of a create or update. Document content is
// base64, optionally as a data URL.
type crRequest struct {
	changerequest.Input
	Document       *documentPayload `json:"document"`
	RemoveDocument bool             `json:"removeDocument"`
}

type documentPayload struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// decodeCRRequest accepts either a JSON body or multipart/form-data with the
// attachment in the "document" file field.
func decodeCRRequest(w http.ResponseWriter, r *http.Request) (changerequest.Input, *changerequest.Upload, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipartCR(r)
	}

	var body crRequest
	if err := decodeBody(r, &body); err != nil {
		return changerequest.Input{}, nil, false, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	if body.Document == nil {
		return body.Input, nil, body.RemoveDocument, nil
	}
	data, err := decodeDocumentContent(body.Document.Content)
	if err != nil {
		verr := apperr.NewValidationError()
		verr.Add("document", "Document content must be base64 encoded")
		return changerequest.Input{}, nil, false, verr
	}
	upload := &changerequest.Upload{Name: body.Document.Name, ContentType: body.Document.Type, Data: data}
	return body.Input, upload, body.RemoveDocument, nil
}

func decodeMultipartCR(r *http.Request) (changerequest.Input, *changerequest.Upload, bool, error) {
	if err := r.ParseMultipartForm(maxRequestBody); err != nil {
		return changerequest.Input{}, nil, false, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
	}
	in := changerequest.Input{
		CRCode:          r.FormValue("crCode"),
		CRName:          r.FormValue("crName"),
		Description:     r.FormValue("description"),
		Application:     r.FormValue("application"),
		Status:          record.Status(r.FormValue("status")),
		Comments:        r.FormValue("comments"),
		UATDate:         r.FormValue("uatDate"),
		UATApprovedDate: r.FormValue("uatApprovedDate"),
		ProductionDate:  r.FormValue("productionDate"),
	}
	removeDocument, _ := strconv.ParseBool(r.FormValue("removeDocument"))

	file, header, err := r.FormFile("document")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil, removeDocument, nil
	}
	if err != nil {
		return changerequest.Input{}, nil, false, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid document upload", nil)
	}
	defer file.Close()
	// One byte over the limit is enough for validation to reject it.
	data, err := io.ReadAll(io.LimitReader(file, changerequest.MaxDocumentSize+1))
	if err != nil {
		return changerequest.Input{}, nil, false, fmt.Errorf("read upload: %w", err)
	}
	upload := &changerequest.Upload{Name: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data}
	return in, upload, removeDocument, nil
}

func decodeDocumentContent(content string) ([]byte, error) {
	if i := strings.Index(content, ";base64,"); i >= 0 && strings.HasPrefix(content, "data:") {
		content = content[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(content))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		entry := s.log.WithField("request_id", requestID)
		r = r.WithContext(logging.WithEntry(r.Context(), entry))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		entry.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

// observeRoute records request metrics by route template so ids do not
// explode label cardinality.
func observeRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		metrics.ObserveHTTP(r.Method, route, strconv.Itoa(writer.status), time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeAttachment(w http.ResponseWriter, filename, contentType string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
