package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relayclaw/relayclaw/pkg/logger"
)

// MainSessionKey is the well-known key of the primary (owner) session.
const MainSessionKey = "main"

// Send policy values. User-facing vocabulary is "on"/"off"; the store
// keeps the internal form.
const (
	SendAllow = "allow"
	SendDeny  = "deny"
)

// Session is the durable per-session state. Mutated only by command
// handlers and persisted after every mutation.
type Session struct {
	SendPolicy string    `json:"sendPolicy,omitempty"`
	Activation string    `json:"activation,omitempty"`
	Updated    time.Time `json:"updated,omitempty"`
}

// DeriveSessionKey builds the per-chat session key "channel:chatID".
func DeriveSessionKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// Store is a durable sessionKey -> Session mapping backed by a single
// JSON-object file. Every update is a whole-file read, merge of one key,
// and atomic whole-file replace, so concurrent updates to different keys
// are never lost and a reader never sees a partial write.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the session for key and whether it existed.
func (s *Store) Get(key string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return Session{}, false, err
	}
	sess, ok := all[key]
	return sess, ok, nil
}

// Update applies fn to the session under key and persists the result.
// The session is created empty if absent.
func (s *Store) Update(key string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}

	sess := all[key]
	fn(&sess)
	sess.Updated = time.Now().UTC()
	all[key] = sess

	return s.writeAll(all)
}

// Delete removes the session under key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return s.writeAll(all)
}

// SendPolicy returns the effective send policy for key, defaulting to allow.
func (s *Store) SendPolicy(key string) string {
	sess, ok, err := s.Get(key)
	if err != nil || !ok || sess.SendPolicy == "" {
		return SendAllow
	}
	return sess.SendPolicy
}

// Activation returns the per-session activation override, or "".
func (s *Store) Activation(key string) string {
	sess, _, _ := s.Get(key)
	return sess.Activation
}

// readAll loads the full store. A missing or unreadable file yields an
// empty store rather than an error; corruption is logged once per read.
// Caller must hold s.mu.
func (s *Store) readAll() (map[string]Session, error) {
	if s.path == "" {
		return map[string]Session{}, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Session{}, nil
		}
		return nil, err
	}

	all := map[string]Session{}
	if err := json.Unmarshal(data, &all); err != nil {
		logger.WarnCF("session", "Session store unreadable, starting empty",
			map[string]interface{}{"path": s.path, "error": err.Error()})
		return map[string]Session{}, nil
	}
	return all, nil
}

// writeAll persists the full store via temp file + rename so the file is
// replaced atomically. Caller must hold s.mu.
func (s *Store) writeAll(all map[string]Session) error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
