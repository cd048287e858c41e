// Package history keeps an audit trail of change requests in a git
// repository. Every create, update and delete is one commit touching the
// CR's JSON file, authored by the portal user who made it.
package history

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"crportal/api/internal/record"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const crDir = "crs"

// Entry is one commit in a CR's history, newest first.
type Entry struct {
	Hash      string        `json:"hash"`
	Action    Action        `json:"action"`
	Message   string        `json:"message"`
	Author    string        `json:"author"`
	Email     string        `json:"email"`
	CreatedAt time.Time     `json:"createdAt"`
	Changes   []FieldChange `json:"changes"`
}

type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Repo is a git-backed audit log. It is safe for concurrent use within one
// process.
type Repo struct {
	dir  string
	mu   sync.Mutex
	repo *git.Repository
	now  func() time.Time
}

// Open opens the repository at dir, initialising it when missing.
func Open(dir string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open history repo: %w", err)
	}
	return &Repo{dir: dir, repo: repo, now: time.Now}, nil
}

// Record commits the state of cr after action. For deletes the file is
// removed and cr is only used for the message.
func (h *Repo) Record(action Action, cr record.ChangeRequest, actorName, actorEmail string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	worktree, err := h.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	rel := filePath(cr.ID)

	switch action {
	case ActionDelete:
		if _, err := os.Stat(filepath.Join(h.dir, filepath.FromSlash(rel))); errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		if _, err := worktree.Remove(rel); err != nil {
			return "", fmt.Errorf("git rm %s: %w", cr.ID, err)
		}
	default:
		payload, err := json.MarshalIndent(cr, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal change request: %w", err)
		}
		abs := filepath.Join(h.dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", fmt.Errorf("create cr dir: %w", err)
		}
		if err := os.WriteFile(abs, append(payload, '\n'), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
		if _, err := worktree.Add(rel); err != nil {
			return "", fmt.Errorf("git add %s: %w", rel, err)
		}
	}

	if actorName == "" {
		actorName = "system"
	}
	if actorEmail == "" {
		actorEmail = "system@crportal.local"
	}
	hash, err := worktree.Commit(commitMessage(action, cr), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  actorName,
			Email: actorEmail,
			When:  h.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", cr.ID, err)
	}
	return hash.String()[:7], nil
}

func commitMessage(action Action, cr record.ChangeRequest) string {
	subject := fmt.Sprintf("%s %s", action, cr.ID)
	return fmt.Sprintf("%s\n\ncr-id: %s\naction: %s\nstatus: %s\n", subject, cr.ID, action, cr.Status)
}

// Log returns up to limit entries for CR id, newest first, each with the
// field changes it introduced. A CR without history yields an empty slice.
func (h *Repo) Log(id string, limit int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	head, err := h.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	rel := filePath(id)
	iter, err := h.repo.Log(&git.LogOptions{From: head.Hash(), FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	type version struct {
		commit *object.Commit
		cr     *record.ChangeRequest
	}
	var versions []version
	err = iter.ForEach(func(c *object.Commit) error {
		cr, err := readVersion(c, rel)
		if err != nil {
			return err
		}
		versions = append(versions, version{commit: c, cr: cr})
		if limit > 0 && len(versions) > limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}

	// One extra version was read so the oldest returned entry can be diffed.
	entries := make([]Entry, 0, len(versions))
	for i, v := range versions {
		if limit > 0 && i >= limit {
			break
		}
		var before *record.ChangeRequest
		if i+1 < len(versions) {
			before = versions[i+1].cr
		}
		entries = append(entries, Entry{
			Hash:      v.commit.Hash.String()[:7],
			Action:    actionOf(v.commit.Message),
			Message:   firstLine(v.commit.Message),
			Author:    v.commit.Author.Name,
			Email:     v.commit.Author.Email,
			CreatedAt: v.commit.Author.When,
			Changes:   DiffFields(before, v.cr),
		})
	}
	return entries, nil
}

// readVersion returns the CR stored at rel in c, or nil if c removed it.
func readVersion(c *object.Commit, rel string) (*record.ChangeRequest, error) {
	file, err := c.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", rel, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	var cr record.ChangeRequest
	if err := json.Unmarshal([]byte(contents), &cr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rel, err)
	}
	return &cr, nil
}

// DiffFields lists the user-visible fields that differ between two versions.
// A nil side is treated as an empty record.
func DiffFields(from, to *record.ChangeRequest) []FieldChange {
	var a, b record.ChangeRequest
	if from != nil {
		a = *from
	}
	if to != nil {
		b = *to
	}
	pairs := []FieldChange{
		{"crCode", a.CRCode, b.CRCode},
		{"crName", a.CRName, b.CRName},
		{"description", a.Description, b.Description},
		{"application", a.Application, b.Application},
		{"status", string(a.Status), string(b.Status)},
		{"comments", a.Comments, b.Comments},
		{"uatDate", record.Deref(a.UATDate), record.Deref(b.UATDate)},
		{"uatApprovedDate", record.Deref(a.UATApprovedDate), record.Deref(b.UATApprovedDate)},
		{"productionDate", record.Deref(a.ProductionDate), record.Deref(b.ProductionDate)},
		{"crDocumentName", record.Deref(a.CRDocumentName), record.Deref(b.CRDocumentName)},
	}
	changes := make([]FieldChange, 0)
	for _, p := range pairs {
		if p.Before != p.After {
			changes = append(changes, p)
		}
	}
	return changes
}

func actionOf(message string) Action {
	for _, line := range strings.Split(message, "\n") {
		if value, ok := strings.CutPrefix(line, "action: "); ok {
			return Action(strings.TrimSpace(value))
		}
	}
	return ""
}

func firstLine(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return line
}

// filePath maps a CR id to a repository path. Ids may contain '/'.
func filePath(id string) string {
	return path.Join(crDir, base64.RawURLEncoding.EncodeToString([]byte(id))+".json")
}
