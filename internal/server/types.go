// Package server defines the envelope wire protocol and shared payload types
// that are reused across client, hub, and engine logic.
package server

import (
	"encoding/json"
	"strings"

	"github.com/fireside-chat/fireside/internal/model"
)

// Inbound envelope types accepted from clients.
const (
	TypeLogin          = "login"
	TypeCreateGroup    = "create_group"
	TypeJoinGroup      = "join_group"
	TypeUploadPost     = "upload_post"
	TypeAddComment     = "add_comment"
	TypeChatMessage    = "chat_message"
	TypeRequestHistory = "request_history"
	TypeDeleteMessage  = "delete_message"
	TypeEditMessage    = "edit_message"
)

// Outbound envelope types emitted to clients.
const (
	TypeLoginSuccess      = "login_success"
	TypeError             = "error"
	TypeHistoryUpdate     = "history_update"
	TypePostUpdate        = "post_update"
	TypeReceivePublic     = "receive_public"
	TypeReceiveGroup      = "receive_group"
	TypeReceivePrivate    = "receive_private"
	TypeGroupNotification = "group_notification"
	TypeSystemMessage     = "system_message"
	TypeRoomJoined        = "room_joined"
	TypeUpdateOnlineUsers = "update_online_users"
	TypeMessageDeleted    = "message_deleted"
	TypeMessageUpdated    = "message_updated"
)

// Chat message scopes carried in chat, history, delete, and edit requests.
const (
	ScopePublic = "public"
	ScopeGlobal = "global"
	ScopeGroup  = "group"
	ScopeDirect = "direct"
)

// Envelope is the typed message frame exchanged over every connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Tags     string `json:"tags,omitempty"`
}

type groupRequest struct {
	Room string `json:"room"`
}

type uploadRequest struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"text,omitempty"`
	Room  string `json:"room,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type commentRequest struct {
	PostID string `json:"postId"`
	Text   string `json:"text"`
}

type chatRequest struct {
	Scope  string `json:"scope"`
	Room   string `json:"room,omitempty"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
}

type historyRequest struct {
	Scope string `json:"scope"`
	Room  string `json:"room,omitempty"`
}

type deleteRequest struct {
	ID    string `json:"id"`
	Scope string `json:"scope"`
	Room  string `json:"room,omitempty"`
}

type editRequest struct {
	ID      string `json:"id"`
	Scope   string `json:"scope"`
	Room    string `json:"room,omitempty"`
	NewText string `json:"newText"`
}

type loginSuccessPayload struct {
	Username string   `json:"username"`
	Tags     []string `json:"tags"`
}

type historyPayload struct {
	Scope   string       `json:"scope"`
	Room    string       `json:"room,omitempty"`
	Entries []model.Post `json:"entries"`
}

type messageDeletedPayload struct {
	ID string `json:"id"`
}

type messageUpdatedPayload struct {
	ID      string `json:"id"`
	NewText string `json:"newText"`
}

// newEnvelope marshals a typed envelope ready for transmission.
func newEnvelope(envType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: envType, Payload: raw})
}

// Broadcast scopes resolved by the hub's audience index.
type broadcastScope int

const (
	scopeAll broadcastScope = iota
	scopeRoom
	scopeUser
	scopeClient
)

// BroadcastMessage encapsulates an outbound payload together with its
// audience. The hub resolves the audience to live connections; Exclude, when
// set, is skipped (used for join notifications to "others in the room").
type BroadcastMessage struct {
	Scope   broadcastScope
	Room    string
	User    string
	Client  *Client
	Exclude *Client
	Payload []byte
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

// parseTags splits a comma-separated tag list, trimming and lowercasing each
// entry. An empty input yields an empty set.
func parseTags(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return []string{}
	}
	parts := strings.Split(csv, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.ToLower(strings.TrimSpace(part)); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
