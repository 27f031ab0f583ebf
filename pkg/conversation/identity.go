package conversation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewConversationID returns an id shaped like conv_<unix ms>_<9 chars>.
func NewConversationID() string {
	return fmt.Sprintf("conv_%d_%s", time.Now().UnixMilli(), shortToken())
}

func newUserID() string {
	return fmt.Sprintf("user_%d_%s", time.Now().UnixMilli(), shortToken())
}

func shortToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// UserStore yields the locally persisted user identifier.
type UserStore interface {
	UserID() (string, error)
}

// FileStore keeps the user id in a single file, creating it on first use.
type FileStore struct {
	path   string
	mu     sync.Mutex
	cached string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) UserID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" {
		return s.cached, nil
	}
	raw, err := os.ReadFile(s.path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			s.cached = id
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := newUserID()
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(s.path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	s.cached = id
	return id, nil
}

// StaticUserStore returns a fixed id; the gateway uses it for ids supplied by the UI client.
type StaticUserStore string

func (s StaticUserStore) UserID() (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("empty user id")
	}
	return string(s), nil
}
