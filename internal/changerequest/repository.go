// Package changerequest stores change requests, their attachments and the
// cr:list index in the key-value store.
package changerequest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"crportal/api/internal/apperr"
	"crportal/api/internal/kv"
	"crportal/api/internal/logging"
	"crportal/api/internal/metrics"
	"crportal/api/internal/rbac"
	"crportal/api/internal/record"
)

type Repository struct {
	store    kv.Store
	now      func() time.Time
	indexer  Indexer
	notifier Notifier

	// serializes cr:list updates and code uniqueness checks
	mu sync.Mutex
}

type Option func(*Repository)

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func WithIndexer(indexer Indexer) Option {
	return func(r *Repository) {
		if indexer != nil {
			r.indexer = indexer
		}
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(r *Repository) { r.notifier = notifier }
}

func NewRepository(store kv.Store, opts ...Option) *Repository {
	r := &Repository{store: store, now: time.Now, indexer: noopIndexer{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores a new Pending CR for the session user. A non-empty crCode
// becomes the record id; otherwise the id is a millisecond timestamp and the
// stored code is "N/A".
func (r *Repository) Create(ctx context.Context, sess record.Session, in Input, upload *Upload) (cr record.ChangeRequest, err error) {
	defer func() { metrics.ObserveChangeRequest("create", err) }()

	if !sess.Active() {
		return record.ChangeRequest{}, apperr.ErrNoSession
	}
	in = in.normalized()
	verr := apperr.NewValidationError()
	in.validate(verr)
	var contentType string
	if upload != nil {
		contentType = upload.validate(verr)
	} else if rbac.RequiresDocument(sess.Role) {
		verr.Add("document", "CR Document is required for BA Team")
	}
	if err := verr.OrNil(); err != nil {
		return record.ChangeRequest{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	id := in.CRCode
	code := in.CRCode
	if code != "" {
		taken, err := r.codeTaken(ctx, code, "")
		if err != nil {
			return record.ChangeRequest{}, err
		}
		if taken {
			return record.ChangeRequest{}, apperr.ErrDuplicateCRCode
		}
	} else {
		id = r.timestampID(ctx, now)
		code = record.NotApplicable
	}

	cr = record.ChangeRequest{
		ID:              id,
		CRCode:          code,
		CRName:          valueOrNA(in.CRName),
		Description:     in.Description,
		Application:     valueOrNA(in.Application),
		Requester:       sess.FullName,
		RequesterEmail:  sess.Email,
		RequestDate:     record.Date(now),
		Status:          record.StatusPending,
		UATDate:         record.OptionalString(in.UATDate),
		UATApprovedDate: record.OptionalString(in.UATApprovedDate),
		ProductionDate:  record.OptionalString(in.ProductionDate),
		Comments:        in.Comments,
		CreatedAt:       record.Timestamp(now),
		CreatedBy:       sess.FullName,
	}

	if upload != nil {
		doc := record.NewDocument(upload.Name, contentType, upload.Data, sess.FullName, now)
		if err := r.saveDocument(ctx, id, doc); err != nil {
			return record.ChangeRequest{}, err
		}
		cr.AttachDocument(doc)
	}
	if err := r.save(ctx, cr); err != nil {
		return record.ChangeRequest{}, err
	}
	if err := r.appendIndex(ctx, id); err != nil {
		return record.ChangeRequest{}, err
	}

	r.indexer.IndexChangeRequest(ctx, cr)
	logging.FromContext(ctx).WithField("cr_id", id).WithField("created_by", sess.Email).Info("changerequest: created")
	return cr, nil
}

// Update edits the CR stored under id. Its storage key never changes, even
// when the crCode does.
func (r *Repository) Update(ctx context.Context, sess record.Session, id string, in Input, upload *Upload, removeDocument bool) (cr record.ChangeRequest, err error) {
	defer func() { metrics.ObserveChangeRequest("update", err) }()

	if !sess.Active() {
		return record.ChangeRequest{}, apperr.ErrNoSession
	}
	in = in.normalized()
	verr := apperr.NewValidationError()
	in.validate(verr)
	var contentType string
	if upload != nil {
		contentType = upload.validate(verr)
	}
	if err := verr.OrNil(); err != nil {
		return record.ChangeRequest{}, err
	}

	cr, previous, err := r.applyUpdate(ctx, sess, id, in, upload, contentType, removeDocument)
	if err != nil {
		return record.ChangeRequest{}, err
	}

	// Notification may block on SMTP, so it runs after the lock is released.
	r.indexer.IndexChangeRequest(ctx, cr)
	if r.notifier != nil && isDecision(previous, cr.Status) {
		if err := r.notifier.NotifyStatusChange(ctx, cr, previous); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("cr_id", id).Warn("changerequest: status notification failed")
		}
	}
	logging.FromContext(ctx).WithField("cr_id", id).WithField("status", cr.Status).Info("changerequest: updated")
	return cr, nil
}

// applyUpdate performs the locked part of Update and returns the saved CR with
// its status before the edit.
func (r *Repository) applyUpdate(ctx context.Context, sess record.Session, id string, in Input, upload *Upload, contentType string, removeDocument bool) (record.ChangeRequest, record.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cr, err := r.load(ctx, id)
	if err != nil {
		return record.ChangeRequest{}, "", err
	}

	if rbac.RequiresDocument(sess.Role) && upload == nil && (removeDocument || !cr.HasDocument()) {
		verr := apperr.NewValidationError()
		verr.Add("document", "CR Document is required for BA Team")
		return record.ChangeRequest{}, "", verr
	}

	code := valueOrNA(in.CRCode)
	if code != record.NotApplicable && code != cr.CRCode {
		taken, err := r.codeTaken(ctx, code, id)
		if err != nil {
			return record.ChangeRequest{}, "", err
		}
		if taken {
			return record.ChangeRequest{}, "", apperr.ErrDuplicateCRCode
		}
	}

	now := r.now()
	previous := cr.Status
	cr.CRCode = code
	cr.CRName = valueOrNA(in.CRName)
	cr.Description = in.Description
	cr.Application = valueOrNA(in.Application)
	cr.Comments = in.Comments
	cr.UATDate = record.OptionalString(in.UATDate)
	cr.UATApprovedDate = record.OptionalString(in.UATApprovedDate)
	cr.ProductionDate = record.OptionalString(in.ProductionDate)
	if in.Status != "" {
		applyTransition(&cr, in.Status, record.Date(now), sess.FullName)
	}
	cr.UpdatedAt = record.StringPtr(record.Timestamp(now))
	cr.UpdatedBy = record.StringPtr(sess.FullName)

	if removeDocument {
		if err := r.store.Delete(ctx, record.DocumentKey(id)); err != nil {
			return record.ChangeRequest{}, "", fmt.Errorf("delete document %s: %w", id, err)
		}
		cr.ClearDocument()
	}
	if upload != nil {
		doc := record.NewDocument(upload.Name, contentType, upload.Data, sess.FullName, now)
		if err := r.saveDocument(ctx, id, doc); err != nil {
			return record.ChangeRequest{}, "", err
		}
		cr.AttachDocument(doc)
	}
	if err := r.save(ctx, cr); err != nil {
		return record.ChangeRequest{}, "", err
	}

	return cr, previous, nil
}

// Delete removes the CR, its index entry and its document.
func (r *Repository) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.ObserveChangeRequest("delete", err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := kv.Lookup(ctx, r.store, record.CRKey(id)); !found {
		return fmt.Errorf("change request %s: %w", id, apperr.ErrNotFound)
	}
	if err := r.store.Delete(ctx, record.CRKey(id)); err != nil {
		return fmt.Errorf("delete change request %s: %w", id, err)
	}
	ids, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	if err := r.writeIndex(ctx, without(ids, map[string]bool{id: true})); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, record.DocumentKey(id)); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}

	r.indexer.RemoveChangeRequest(ctx, id)
	logging.FromContext(ctx).WithField("cr_id", id).Info("changerequest: deleted")
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (record.ChangeRequest, error) {
	return r.load(ctx, id)
}

// Document returns the attachment of CR id with its decoded bytes.
func (r *Repository) Document(ctx context.Context, id string) (record.Document, []byte, error) {
	raw, found := kv.Lookup(ctx, r.store, record.DocumentKey(id))
	if !found {
		return record.Document{}, nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
	}
	doc, err := record.Decode[record.Document](raw)
	if err != nil {
		return record.Document{}, nil, fmt.Errorf("read document %s: %w", id, err)
	}
	data, err := doc.Bytes()
	if err != nil {
		return record.Document{}, nil, err
	}
	return doc, data, nil
}

// ListAll loads every indexed CR, newest first. Index entries whose record is
// missing are skipped and dropped from cr:list.
func (r *Repository) ListAll(ctx context.Context) ([]record.ChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	crs := make([]record.ChangeRequest, 0, len(ids))
	missing := make(map[string]bool)
	seen := make(map[string]bool, len(ids))
	duplicated := false
	for _, id := range ids {
		if seen[id] {
			duplicated = true
			continue
		}
		seen[id] = true
		cr, err := r.load(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			missing[id] = true
			continue
		}
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("cr_id", id).Warn("changerequest: skipping unreadable record")
			continue
		}
		crs = append(crs, cr)
	}

	if len(missing) > 0 || duplicated {
		repaired := dedupe(without(ids, missing))
		if err := r.writeIndex(ctx, repaired); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("changerequest: index repair failed")
		} else {
			logging.FromContext(ctx).WithField("dropped", len(ids)-len(repaired)).Info("changerequest: repaired cr:list")
		}
	}

	SortNewestFirst(crs)
	return crs, nil
}

// RepairIndex adds to cr:list every stored change request the index lost,
// for example after a failed cr:list read was written back as empty. It
// returns the ids it restored.
func (r *Repository) RepairIndex(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.store.List(ctx, record.CRKey(""))
	if err != nil {
		return nil, fmt.Errorf("scan cr keys: %w", err)
	}
	// a faulty read must not be mistaken for an empty index
	raw, err := r.store.Get(ctx, record.CRListKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("read cr index: %w", err)
	}
	ids, err := record.DecodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("read cr index: %w", err)
	}

	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		present[key] = true
	}
	indexed := make(map[string]bool, len(ids))
	for _, id := range ids {
		indexed[id] = true
	}

	var restored []string
	for _, key := range keys {
		if key == record.CRListKey {
			continue
		}
		id := record.IDFromKey(key)
		if owner, ok := record.DocumentOwner(key); ok && present[owner] {
			continue
		}
		if indexed[id] {
			continue
		}
		if _, err := r.load(ctx, id); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("cr_id", id).Warn("changerequest: unindexed key is not a change request")
			continue
		}
		indexed[id] = true
		restored = append(restored, id)
	}
	if len(restored) == 0 {
		return nil, nil
	}
	if err := r.writeIndex(ctx, append(ids, restored...)); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithField("restored", len(restored)).Info("changerequest: rebuilt cr:list from key scan")
	return restored, nil
}

// SortNewestFirst orders by createdAt descending, using requestDate when
// createdAt is absent.
func SortNewestFirst(crs []record.ChangeRequest) {
	sortKey := func(cr record.ChangeRequest) string {
		if cr.CreatedAt != "" {
			return cr.CreatedAt
		}
		return cr.RequestDate
	}
	sort.SliceStable(crs, func(i, j int) bool {
		return sortKey(crs[i]) > sortKey(crs[j])
	})
}

func (r *Repository) load(ctx context.Context, id string) (record.ChangeRequest, error) {
	raw, found := kv.Lookup(ctx, r.store, record.CRKey(id))
	if !found {
		return record.ChangeRequest{}, fmt.Errorf("change request %s: %w", id, apperr.ErrNotFound)
	}
	cr, err := record.DecodeChangeRequest(id, raw)
	if err != nil {
		return record.ChangeRequest{}, fmt.Errorf("read change request %s: %w", id, err)
	}
	return cr, nil
}

func (r *Repository) save(ctx context.Context, cr record.ChangeRequest) error {
	encoded, err := record.Encode(cr)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, record.CRKey(cr.ID), encoded); err != nil {
		return fmt.Errorf("save change request %s: %w", cr.ID, err)
	}
	return nil
}

func (r *Repository) saveDocument(ctx context.Context, id string, doc record.Document) error {
	encoded, err := record.Encode(doc)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, record.DocumentKey(id), encoded); err != nil {
		return fmt.Errorf("save document %s: %w", id, err)
	}
	return nil
}

// codeTaken reports whether code is used by a record other than exceptID,
// either as its storage key or as its crCode field.
func (r *Repository) codeTaken(ctx context.Context, code, exceptID string) (bool, error) {
	if code != exceptID {
		if _, found := kv.Lookup(ctx, r.store, record.CRKey(code)); found {
			return true, nil
		}
	}
	ids, err := r.readIndex(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == exceptID || id == code {
			continue
		}
		cr, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		if cr.CRCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) timestampID(ctx context.Context, now time.Time) string {
	ms := now.UnixMilli()
	for {
		id := strconv.FormatInt(ms, 10)
		if _, found := kv.Lookup(ctx, r.store, record.CRKey(id)); !found {
			return id
		}
		ms++
	}
}

func (r *Repository) readIndex(ctx context.Context) ([]string, error) {
	raw, _ := kv.Lookup(ctx, r.store, record.CRListKey)
	ids, err := record.DecodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("read cr index: %w", err)
	}
	return ids, nil
}

func (r *Repository) writeIndex(ctx context.Context, ids []string) error {
	encoded, err := record.EncodeList(ids)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, record.CRListKey, encoded); err != nil {
		return fmt.Errorf("write cr index: %w", err)
	}
	return nil
}

func (r *Repository) appendIndex(ctx context.Context, id string) error {
	ids, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return r.writeIndex(ctx, append(ids, id))
}

func without(ids []string, drop map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
