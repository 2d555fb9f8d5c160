package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/fireside-chat/fireside/internal/logger"
	"github.com/fireside-chat/fireside/internal/model"
)

// ErrInvalidCredential is returned when a login names an existing identity but
// the supplied credential does not match byte-for-byte.
var ErrInvalidCredential = errors.New("invalid credential")

const userKeyPrefix = "user:"

// IdentityStore is the durable registry of usernames, credentials, and
// capability tags. Identities are created on first login and never deleted.
type IdentityStore struct {
	mu    sync.RWMutex
	users map[string]model.Identity
}

// NewIdentityStore loads all registered identities from the opened Pebble DB.
func NewIdentityStore() (*IdentityStore, error) {
	s := &IdentityStore{users: make(map[string]model.Identity)}

	prefix := []byte(userKeyPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var id model.Identity
		if err := json.Unmarshal(iter.Value(), &id); err != nil {
			logger.Warn("identity_decode_failed", "key", string(iter.Key()), "err", err)
			continue
		}
		s.users[id.Username] = id
	}
	logger.Info("identities_loaded", "count", len(s.users))
	return s, nil
}

// Login verifies or registers the named identity. For an existing identity the
// credential must match exactly; when tags are supplied they fully replace the
// stored tag set. A new identity is created with the provided (possibly empty)
// tags and its credential stored verbatim.
func (s *IdentityStore) Login(username, credential string, tags []string, tagsProvided bool) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.users[username]
	if ok {
		if id.Credential != credential {
			return model.Identity{}, ErrInvalidCredential
		}
		if tagsProvided {
			id.Tags = tags
			s.users[username] = id
			s.persist(id)
		}
		return id, nil
	}

	if tags == nil {
		tags = []string{}
	}
	id = model.Identity{Username: username, Credential: credential, Tags: tags}
	s.users[username] = id
	s.persist(id)
	return id, nil
}

// Lookup returns the stored identity for a username.
func (s *IdentityStore) Lookup(username string) (model.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.users[username]
	return id, ok
}

// Usernames returns all registered usernames in sorted order.
func (s *IdentityStore) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// persist writes the identity through to Pebble. Failures are logged and
// counted but do not roll back the in-memory registration.
func (s *IdentityStore) persist(id model.Identity) {
	data, err := json.Marshal(id)
	if err != nil {
		logger.Error("identity_marshal_failed", "user", id.Username, "err", err)
		persistFailures.Inc()
		return
	}
	if err := set(userKeyPrefix+id.Username, data); err != nil {
		logger.Error("identity_persist_failed", "user", id.Username, "err", err)
		persistFailures.Inc()
	}
}
