package store

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/fireside-chat/fireside/internal/logger"
	"github.com/fireside-chat/fireside/internal/model"
)

const (
	channelKeyPrefix = "channel:"
	entrySegment     = ":entry:"
	metaSuffix       = ":meta"
)

// Built-in channel keys. Rooms are stored under "room:<name>".
const (
	ChannelPublic = "public"
	ChannelGlobal = "global"
)

// RoomChannel returns the history key for a named group room.
func RoomChannel(room string) string {
	return "room:" + room
}

// channel is one bounded, insertion-ordered log. Each channel has its own
// lock so a slow room cannot stall the public feed.
type channel struct {
	mu      sync.Mutex
	key     string
	entries []model.Post
}

// HistoryStore owns the keyed, capacity-bounded channel histories. Entries
// are held in memory for serving and written through to Pebble on every
// mutation; persistence failures are logged and counted but never roll back
// the in-memory state.
type HistoryStore struct {
	cap      int
	mu       sync.RWMutex
	channels map[string]*channel
}

// NewHistoryStore reloads all channel histories from the opened Pebble DB and
// guarantees the built-in public and global channels exist. Entry keys embed
// the ULID post ID, so iteration order is insertion order.
func NewHistoryStore(capacity int) (*HistoryStore, error) {
	if capacity <= 0 {
		capacity = 50
	}
	s := &HistoryStore{cap: capacity, channels: make(map[string]*channel)}

	prefix := []byte(channelKeyPrefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := strings.TrimPrefix(key, channelKeyPrefix)

		if strings.HasSuffix(rest, metaSuffix) {
			s.ensure(strings.TrimSuffix(rest, metaSuffix))
			continue
		}
		idx := strings.LastIndex(rest, entrySegment)
		if idx < 0 {
			logger.Warn("history_key_unrecognized", "key", key)
			continue
		}
		var post model.Post
		if err := json.Unmarshal(iter.Value(), &post); err != nil {
			logger.Warn("history_entry_decode_failed", "key", key, "err", err)
			continue
		}
		ch := s.ensure(rest[:idx])
		ch.entries = append(ch.entries, post)
	}

	s.ensure(ChannelPublic)
	s.ensure(ChannelGlobal)

	total := 0
	for _, ch := range s.channels {
		total += len(ch.entries)
	}
	logger.Info("histories_loaded", "channels", len(s.channels), "entries", total)
	return s, nil
}

func (s *HistoryStore) ensure(key string) *channel {
	if ch, ok := s.channels[key]; ok {
		return ch
	}
	ch := &channel{key: key}
	s.channels[key] = ch
	return ch
}

func (s *HistoryStore) lookup(key string) (*channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[key]
	return ch, ok
}

// Exists reports whether the channel has been created.
func (s *HistoryStore) Exists(key string) bool {
	_, ok := s.lookup(key)
	return ok
}

// Create initializes an empty channel and persists a marker so the room
// survives a restart. It reports false when the channel already exists.
func (s *HistoryStore) Create(key string) bool {
	s.mu.Lock()
	if _, ok := s.channels[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.channels[key] = &channel{key: key}
	s.mu.Unlock()

	if err := set(channelKeyPrefix+key+metaSuffix, []byte("{}")); err != nil {
		logger.Error("channel_meta_persist_failed", "channel", key, "err", err)
		persistFailures.Inc()
	}
	return true
}

// Channels returns the keys of all existing channels in sorted order.
func (s *HistoryStore) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for k := range s.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Append adds the post to the channel, evicting the single oldest entry when
// the capacity bound is exceeded, and writes both changes through to Pebble.
// The channel must exist; Append reports whether it did.
func (s *HistoryStore) Append(key string, post model.Post) bool {
	ch, ok := s.lookup(key)
	if !ok {
		return false
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.entries = append(ch.entries, post)
	s.persistEntry(key, post)

	// Insert-then-trim-one: the bound is exceeded by at most one entry.
	if len(ch.entries) > s.cap {
		oldest := ch.entries[0]
		ch.entries = append(ch.entries[:0], ch.entries[1:]...)
		s.deleteEntry(key, oldest.ID)
		entriesEvicted.Inc()
	}
	return true
}

// Snapshot returns a copy of the channel history, oldest first. A missing
// channel yields an empty slice.
func (s *HistoryStore) Snapshot(key string) []model.Post {
	ch, ok := s.lookup(key)
	if !ok {
		return []model.Post{}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]model.Post, len(ch.entries))
	copy(out, ch.entries)
	return out
}

// FindByID scans every channel for a post with the given ID and returns the
// post plus its channel key. The last writer wins on the rare ID collision.
func (s *HistoryStore) FindByID(id string) (model.Post, string, bool) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.channels))
	for k := range s.channels {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	var (
		found model.Post
		where string
		ok    bool
	)
	for _, k := range keys {
		ch, exists := s.lookup(k)
		if !exists {
			continue
		}
		ch.mu.Lock()
		for _, p := range ch.entries {
			if p.ID == id {
				found, where, ok = p, k, true
			}
		}
		ch.mu.Unlock()
	}
	return found, where, ok
}

// Replace applies the mutator to the entry with the given ID and persists the
// result in place. It returns the updated post and reports whether the entry
// was found; a missing entry is a no-op.
func (s *HistoryStore) Replace(key, id string, mutate func(*model.Post)) (model.Post, bool) {
	ch, ok := s.lookup(key)
	if !ok {
		return model.Post{}, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i := range ch.entries {
		if ch.entries[i].ID == id {
			mutate(&ch.entries[i])
			s.persistEntry(key, ch.entries[i])
			return ch.entries[i], true
		}
	}
	return model.Post{}, false
}

// Remove deletes the entry with the given ID from the channel. A missing
// entry is a no-op; Remove reports whether anything was deleted.
func (s *HistoryStore) Remove(key, id string) bool {
	ch, ok := s.lookup(key)
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i := range ch.entries {
		if ch.entries[i].ID == id {
			ch.entries = append(ch.entries[:i], ch.entries[i+1:]...)
			s.deleteEntry(key, id)
			return true
		}
	}
	return false
}

func (s *HistoryStore) persistEntry(key string, post model.Post) {
	data, err := json.Marshal(post)
	if err != nil {
		logger.Error("history_entry_marshal_failed", "channel", key, "id", post.ID, "err", err)
		persistFailures.Inc()
		return
	}
	if err := set(channelKeyPrefix+key+entrySegment+post.ID, data); err != nil {
		logger.Error("history_entry_persist_failed", "channel", key, "id", post.ID, "err", err)
		persistFailures.Inc()
	}
}

func (s *HistoryStore) deleteEntry(key, id string) {
	if err := del(channelKeyPrefix + key + entrySegment + id); err != nil {
		logger.Error("history_entry_delete_failed", "channel", key, "id", id, "err", err)
		persistFailures.Inc()
	}
}
