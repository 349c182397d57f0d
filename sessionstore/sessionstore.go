// Package sessionstore persists conversation sessions as JSON files under a
// data directory, one file per session, with atomic writes.
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djeidy/codex-sub000/llmclient"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Upload records a file attached to a session. StoredAs is the path of the
// stored copy relative to the data directory.
type Upload struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	StoredAs string `json:"stored_as"`
}

// Session is the persisted state of one conversation.
type Session struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Model          string           `json:"model"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	LastResponseID string           `json:"last_response_id,omitempty"`
	Items          []llmclient.Item `json:"items"`
	Uploads        []Upload         `json:"uploads,omitempty"`
}

// Meta is the listing view of a session, without the transcript.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ItemCount int       `json:"item_count"`
}

// Store reads and writes sessions under dir. A single mutex serializes
// writes; reads always go to disk.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates the session and upload directories under dir if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("sessionstore: empty data dir")
	}
	for _, sub := range []string{sessionsSubdir, uploadsSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

const (
	sessionsSubdir = "sessions"
	uploadsSubdir  = "uploads"
)

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, sessionsSubdir, id+".json")
}

// Create makes a new empty session for model and persists it.
func (s *Store) Create(model string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Title:     "New session",
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
		Items:     []llmclient.Item{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	raw, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Save persists sess, bumping UpdatedAt.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = time.Now().UTC()
	return s.writeLocked(sess)
}

// Update loads the session, applies fn, and saves the result under a single
// lock so concurrent mutations cannot lose writes.
func (s *Store) Update(id string, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.writeLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendItems appends transcript items to a session and saves it.
func (s *Store) AppendItems(id string, items ...llmclient.Item) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.Update(id, func(sess *Session) error {
		sess.Items = append(sess.Items, items...)
		return nil
	})
	return err
}

// List returns metadata for every session, newest update first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sessionsSubdir))
	if err != nil {
		return nil, err
	}
	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:        sess.ID,
			Title:     sess.Title,
			Model:     sess.Model,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
			ItemCount: len(sess.Items),
		})
	}
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
		}
		return metas[i].ID < metas[j].ID
	})
	return metas, nil
}

// Delete removes a session and its uploads.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.sessionPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	_ = os.RemoveAll(filepath.Join(s.dir, uploadsSubdir, id))
	return nil
}

// SaveUpload stores the uploaded file under the session's upload directory
// and records it on the session. The stored name is uniquified if a file
// with the same name already exists.
func (s *Store) SaveUpload(id, name string, r io.Reader) (Upload, error) {
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return Upload{}, fmt.Errorf("invalid upload name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.Get(id)
	if err != nil {
		return Upload{}, err
	}

	uploadDir := filepath.Join(s.dir, uploadsSubdir, id)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return Upload{}, err
	}
	stored := uniqueName(uploadDir, name)

	f, err := os.OpenFile(filepath.Join(uploadDir, stored), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, err
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(filepath.Join(uploadDir, stored))
		return Upload{}, err
	}

	up := Upload{
		Name:     name,
		Size:     size,
		StoredAs: filepath.Join(uploadsSubdir, id, stored),
	}
	sess.Uploads = append(sess.Uploads, up)
	sess.UpdatedAt = time.Now().UTC()
	if err := s.writeLocked(sess); err != nil {
		return Upload{}, err
	}
	return up, nil
}

// uniqueName appends a numeric suffix before the extension until the name is
// free in dir.
func uniqueName(dir, name string) string {
	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
}

// writeLocked writes the session file atomically: encode to a temp file in
// the same directory, sync, then rename over the target.
func (s *Store) writeLocked(sess *Session) error {
	path := s.sessionPath(sess.ID)
	tmp := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixNano())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// validID rejects ids that could escape the sessions directory.
func validID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}
