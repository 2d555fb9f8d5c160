// Package model defines the shared data types persisted and broadcast by the
// Fireside server: identities, posts, and comments.
package model

import "time"

// Audience values describe who receives a post or message.
const (
	AudiencePublic = "public"
	AudienceGlobal = "global"
	AudienceGroup  = "group"
	AudienceDirect = "direct"
)

// TagGeneral is the sentinel capability meaning a post is open to everyone.
const TagGeneral = "general"

// Identity is a durable registered user: a unique username, an opaque
// credential compared byte-for-byte on login, and a set of lowercase
// capability tags. Identities are created on first login and never deleted.
type Identity struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	Tags       []string `json:"tags"`
}

// HasTag reports whether the identity carries the given capability tag.
func (i Identity) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Comment is an append-only child of a Post. Immutable once appended.
type Comment struct {
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Post kinds. A feed post carries an image and/or text plus a capability tag
// and accumulates comments; a chat message carries text and/or an image and
// may later be edited or deleted.
const (
	KindPost    = "post"
	KindMessage = "message"
)

// Post is a single entry in a channel history. The same shape backs both the
// photo-feed variant (Tag + Comments) and the chat variant (editable Text).
// At least one of ImageURL and Text is present at creation.
type Post struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Audience  string    `json:"audience"`
	Room      string    `json:"room,omitempty"`
	Author    string    `json:"author"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Comments  []Comment `json:"comments"`
	CreatedAt time.Time `json:"createdAt"`
}
