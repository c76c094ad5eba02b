// Package cursor issues and tracks pagination cursors for search
// result sets. A cursor stores only the query definition and the
// current offset; results are recomputed on every page turn, so a page
// rendered from a cursor always reflects the live index.
package cursor

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound marks an unknown or expired cursor token. Frontends
// respond by re-running the query from the first page.
var ErrNotFound = errors.New("unknown or expired cursor")

// Definition fixes the search a cursor pages through.
type Definition struct {
	Query    string
	Chats    []int64
	PageSize int
}

// State is the stored position of one cursor.
type State struct {
	Def    Definition
	Offset int
}

// Store persists cursor state between page turns. Tokens are scoped to
// the frontend that created them; two frontends never see each other's
// cursors even with colliding token strings.
type Store interface {
	Save(frontendID, token string, st State) error
	Get(frontendID, token string) (State, error)
	Advance(frontendID, token string, offset int) error
	Delete(frontendID, token string) error
}

// Manager issues opaque tokens over a Store.
type Manager struct {
	store Store
}

// NewManager creates a manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Open creates a cursor positioned at the first page and returns its
// token.
func (m *Manager) Open(frontendID string, def Definition) (string, error) {
	token := uuid.NewString()
	if err := m.store.Save(frontendID, token, State{Def: def}); err != nil {
		return "", err
	}
	return token, nil
}

// Resume returns the stored state for a token.
func (m *Manager) Resume(frontendID, token string) (State, error) {
	return m.store.Get(frontendID, token)
}

// Advance moves a cursor to a new offset.
func (m *Manager) Advance(frontendID, token string, offset int) error {
	return m.store.Advance(frontendID, token, offset)
}

// Close discards a cursor before its TTL runs out.
func (m *Manager) Close(frontendID, token string) error {
	return m.store.Delete(frontendID, token)
}

// clock is swapped in tests to exercise expiry without sleeping.
type clock func() time.Time
