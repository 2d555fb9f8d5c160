// Package server implements the routing and broadcast engine: every inbound
// envelope is validated, authorized, applied to the durable channel
// histories, and fanned out to exactly the sessions in its audience.
package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fireside-chat/fireside/internal/blob"
	"github.com/fireside-chat/fireside/internal/logger"
	"github.com/fireside-chat/fireside/internal/model"
	"github.com/fireside-chat/fireside/internal/store"
)

// Engine routes authenticated events: it decides what persisted state
// changes and which live connections receive the resulting outbound event.
// All shared mutation is serialized per channel by the history store and per
// registry by the hub; the engine itself holds no locks.
type Engine struct {
	hub        *Hub
	identities *store.IdentityStore
	history    *store.HistoryStore
	blobs      *blob.Store
	moderator  *moderator
}

var engine *Engine

// NewEngine wires the routing engine to its collaborators.
func NewEngine(h *Hub, identities *store.IdentityStore, history *store.HistoryStore, blobs *blob.Store, mod *moderator) *Engine {
	return &Engine{
		hub:        h,
		identities: identities,
		history:    history,
		blobs:      blobs,
		moderator:  mod,
	}
}

// newID returns a ULID string: monotonic, collision-resistant, and
// lexicographically ordered by creation time.
func newID() string {
	return ulid.Make().String()
}

// Dispatch routes one inbound envelope. Unknown types are dropped and
// logged; the connection is never terminated for a bad event.
func (e *Engine) Dispatch(c *Client, env Envelope) {
	switch env.Type {
	case TypeLogin:
		e.handleLogin(c, env.Payload)
	case TypeCreateGroup:
		e.handleCreateGroup(c, env.Payload)
	case TypeJoinGroup:
		e.handleJoinGroup(c, env.Payload)
	case TypeUploadPost:
		e.handleUpload(c, env.Payload)
	case TypeAddComment:
		e.handleComment(c, env.Payload)
	case TypeChatMessage:
		e.handleChat(c, env.Payload)
	case TypeRequestHistory:
		e.handleHistory(c, env.Payload)
	case TypeDeleteMessage:
		e.handleDelete(c, env.Payload)
	case TypeEditMessage:
		e.handleEdit(c, env.Payload)
	default:
		logger.Warn("unknown_envelope_type", "type", env.Type, "addr", c.addr)
	}
}

// --- outbound helpers ---

func (e *Engine) toClient(c *Client, envType string, payload any) {
	b, err := newEnvelope(envType, payload)
	if err != nil {
		logger.Error("envelope_marshal_failed", "type", envType, "err", err)
		return
	}
	e.hub.broadcast <- BroadcastMessage{Scope: scopeClient, Client: c, Payload: b}
}

func (e *Engine) toAll(envType string, payload any) {
	b, err := newEnvelope(envType, payload)
	if err != nil {
		logger.Error("envelope_marshal_failed", "type", envType, "err", err)
		return
	}
	e.hub.broadcast <- BroadcastMessage{Scope: scopeAll, Payload: b}
}

func (e *Engine) toRoom(room string, exclude *Client, envType string, payload any) {
	b, err := newEnvelope(envType, payload)
	if err != nil {
		logger.Error("envelope_marshal_failed", "type", envType, "err", err)
		return
	}
	e.hub.broadcast <- BroadcastMessage{Scope: scopeRoom, Room: room, Exclude: exclude, Payload: b}
}

func (e *Engine) toUser(username string, envType string, payload any) {
	b, err := newEnvelope(envType, payload)
	if err != nil {
		logger.Error("envelope_marshal_failed", "type", envType, "err", err)
		return
	}
	e.hub.broadcast <- BroadcastMessage{Scope: scopeUser, User: username, Payload: b}
}

func (e *Engine) sendError(c *Client, message string) {
	e.toClient(c, TypeError, message)
}

// requireSession drops events from connections that have not logged in.
func (e *Engine) requireSession(c *Client) (Session, bool) {
	s, ok := e.hub.sessionOf(c)
	if !ok {
		logger.Warn("event_before_login_dropped", "addr", c.addr)
	}
	return s, ok
}

// --- handlers ---

func (e *Engine) handleLogin(c *Client, raw json.RawMessage) {
	var req loginRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("login_payload_invalid", "addr", c.addr, "err", err)
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		e.sendError(c, "username required")
		return
	}

	tagsProvided := strings.TrimSpace(req.Tags) != ""
	id, err := e.identities.Login(req.Username, req.Password, parseTags(req.Tags), tagsProvided)
	if err != nil {
		// Reported to the caller; the connection stays open for retry.
		e.sendError(c, ErrInvalidCredential.Error())
		return
	}

	e.hub.bindSession(c, id.Username, id.Tags)
	logger.Info("login_success", "user", id.Username, "addr", c.addr)

	e.toClient(c, TypeLoginSuccess, loginSuccessPayload{Username: id.Username, Tags: id.Tags})
	e.toClient(c, TypeHistoryUpdate, historyPayload{
		Scope:   ScopePublic,
		Entries: e.history.Snapshot(store.ChannelPublic),
	})
	e.toClient(c, TypeHistoryUpdate, historyPayload{
		Scope:   ScopeGlobal,
		Entries: e.history.Snapshot(store.ChannelGlobal),
	})
	e.hub.broadcast <- BroadcastMessage{Scope: scopeAll, Payload: e.hub.rosterPayload()}
}

func (e *Engine) handleCreateGroup(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req groupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("create_group_payload_invalid", "addr", c.addr, "err", err)
		return
	}
	room := strings.TrimSpace(req.Room)
	if room == "" {
		e.sendError(c, "room name required")
		return
	}

	if !e.history.Create(store.RoomChannel(room)) {
		e.sendError(c, ErrRoomExists.Error())
		return
	}
	logger.Info("room_created", "room", room, "user", s.Username)
	e.joinRoom(c, s, room)
}

func (e *Engine) handleJoinGroup(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req groupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("join_group_payload_invalid", "addr", c.addr, "err", err)
		return
	}
	room := strings.TrimSpace(req.Room)
	if room == "" || !e.history.Exists(store.RoomChannel(room)) {
		e.sendError(c, ErrRoomNotFound.Error())
		return
	}
	e.joinRoom(c, s, room)
}

// joinRoom switches the session into the room, replays the room history to
// the joiner, and notifies the other members.
func (e *Engine) joinRoom(c *Client, s Session, room string) {
	e.hub.setRoom(c, room)

	e.toClient(c, TypeRoomJoined, room)
	e.toClient(c, TypeHistoryUpdate, historyPayload{
		Scope:   ScopeGroup,
		Room:    room,
		Entries: e.history.Snapshot(store.RoomChannel(room)),
	})
	e.toRoom(room, c, TypeSystemMessage, fmt.Sprintf("%s has joined.", s.Username))
}

func (e *Engine) handleUpload(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req uploadRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("upload_payload_invalid", "addr", c.addr, "err", err)
		return
	}

	text := strings.TrimSpace(req.Text)
	if req.Image == "" && text == "" {
		e.sendError(c, ErrEmptyPost.Error())
		return
	}

	// Uploads never implicitly create rooms.
	audience := model.AudiencePublic
	channelKey := store.ChannelPublic
	room := strings.TrimSpace(req.Room)
	if room != "" {
		if !e.history.Exists(store.RoomChannel(room)) {
			e.sendError(c, ErrRoomNotFound.Error())
			return
		}
		audience = model.AudienceGroup
		channelKey = store.RoomChannel(room)
	}

	tag := strings.ToLower(strings.TrimSpace(req.Tag))
	if tag == "" {
		tag = model.TagGeneral
	}

	imageURL := ""
	if req.Image != "" {
		url, err := e.blobs.Save(req.Image)
		if err != nil {
			logger.Warn("image_store_failed", "user", s.Username, "err", err)
			if text == "" {
				e.sendError(c, "failed to upload image")
				return
			}
			// Degrade to text-only; warn the uploader and continue.
			e.toClient(c, TypeSystemMessage, "Failed to upload image.")
		} else {
			imageURL = url
		}
	}

	post := model.Post{
		ID:        newID(),
		Kind:      model.KindPost,
		Audience:  audience,
		Room:      room,
		Author:    s.Username,
		ImageURL:  imageURL,
		Text:      req.Text,
		Tag:       tag,
		Comments:  []model.Comment{},
		CreatedAt: time.Now().UTC(),
	}
	e.history.Append(channelKey, post)
	e.broadcastToChannel(channelKey, TypePostUpdate, post)
}

func (e *Engine) handleComment(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req commentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("comment_payload_invalid", "addr", c.addr, "err", err)
		return
	}

	post, channelKey, found := e.history.FindByID(req.PostID)
	if !found {
		e.sendError(c, ErrNotFound.Error())
		return
	}

	// Tag gate: the commenter must hold the post's tag unless the post is
	// open to all. Rejection goes to the requester only.
	if post.Tag != "" && post.Tag != model.TagGeneral && !hasTag(s.Tags, post.Tag) {
		e.sendError(c, fmt.Sprintf("You need the '%s' tag to comment on this!", post.Tag))
		return
	}

	updated, found := e.history.Replace(channelKey, post.ID, func(p *model.Post) {
		p.Comments = append(p.Comments, model.Comment{
			Author:    s.Username,
			Text:      req.Text,
			Timestamp: time.Now().UnixMilli(),
		})
	})
	if !found {
		e.sendError(c, ErrNotFound.Error())
		return
	}

	// Clients reconcile by full-post replace, so the entire updated post is
	// rebroadcast rather than the comment delta.
	e.broadcastToChannel(channelKey, TypePostUpdate, updated)
}

func (e *Engine) handleChat(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("chat_payload_invalid", "addr", c.addr, "err", err)
		return
	}

	if soothing, hit := e.moderator.intercept(req.Text); hit {
		moderationHits.Inc()
		logger.Info("message_intercepted", "user", s.Username)
		e.toClient(c, TypeSystemMessage, soothing)
		return
	}

	imageURL := ""
	if req.Image != "" {
		url, err := e.blobs.Save(req.Image)
		if err != nil {
			logger.Warn("image_store_failed", "user", s.Username, "err", err)
			e.toClient(c, TypeSystemMessage, "Failed to upload image.")
			if strings.TrimSpace(req.Text) == "" {
				return
			}
		} else {
			imageURL = url
		}
	}

	msg := model.Post{
		ID:        newID(),
		Kind:      model.KindMessage,
		Author:    s.Username,
		ImageURL:  imageURL,
		Text:      req.Text,
		CreatedAt: time.Now().UTC(),
	}

	switch req.Scope {
	case ScopeGlobal, ScopePublic:
		msg.Audience = model.AudienceGlobal
		e.history.Append(store.ChannelGlobal, msg)
		e.toAll(TypeReceivePublic, msg)

	case ScopeGroup:
		room := strings.TrimSpace(req.Room)
		if room == "" || !e.history.Exists(store.RoomChannel(room)) {
			logger.Warn("group_message_unknown_room", "room", room, "user", s.Username)
			return
		}
		msg.Audience = model.AudienceGroup
		msg.Room = room
		e.history.Append(store.RoomChannel(room), msg)
		e.toRoom(room, nil, TypeReceiveGroup, msg)

	case ScopeDirect:
		if req.Target == "" {
			e.sendError(c, "target user required")
			return
		}
		// Direct messages are not persisted; the target's connections get
		// the message and the sender gets the canonical post-processing
		// echo (image URL substituted for the raw blob).
		msg.Audience = model.AudienceDirect
		e.toUser(req.Target, TypeReceivePrivate, msg)
		e.toClient(c, TypeReceivePrivate, msg)

	default:
		logger.Warn("chat_unknown_scope", "scope", req.Scope, "user", s.Username)
	}
}

func (e *Engine) handleHistory(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req historyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("history_payload_invalid", "addr", c.addr, "err", err)
		return
	}

	channelKey, err := e.resolveChannel(req.Scope, req.Room)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	logger.Debug("history_requested", "scope", req.Scope, "room", req.Room, "user", s.Username)
	e.toClient(c, TypeHistoryUpdate, historyPayload{
		Scope:   req.Scope,
		Room:    req.Room,
		Entries: e.history.Snapshot(channelKey),
	})
}

func (e *Engine) handleDelete(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req deleteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("delete_payload_invalid", "addr", c.addr, "err", err)
		return
	}

	channelKey, err := e.resolveChannel(req.Scope, req.Room)
	if err != nil {
		logger.Warn("delete_unknown_channel", "scope", req.Scope, "room", req.Room)
		return
	}

	// Known permissive policy: any session addressing the correct audience
	// may delete; there is no ownership check. Deleting an absent id is a
	// no-op for the history, and the notice still goes out.
	e.history.Remove(channelKey, req.ID)
	logger.Info("message_deleted", "id", req.ID, "channel", channelKey, "user", s.Username)
	e.broadcastToChannel(channelKey, TypeMessageDeleted, messageDeletedPayload{ID: req.ID})
}

func (e *Engine) handleEdit(c *Client, raw json.RawMessage) {
	s, ok := e.requireSession(c)
	if !ok {
		return
	}
	var req editRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		logger.Warn("edit_payload_invalid", "addr", c.addr, "err", err)
		return
	}

	channelKey, err := e.resolveChannel(req.Scope, req.Room)
	if err != nil {
		logger.Warn("edit_unknown_channel", "scope", req.Scope, "room", req.Room)
		return
	}

	_, found := e.history.Replace(channelKey, req.ID, func(p *model.Post) {
		p.Text = req.NewText
	})
	if !found {
		// Editing an absent id is a silent no-op.
		return
	}
	logger.Info("message_edited", "id", req.ID, "channel", channelKey, "user", s.Username)
	e.broadcastToChannel(channelKey, TypeMessageUpdated, messageUpdatedPayload{ID: req.ID, NewText: req.NewText})
}

// --- audience resolution ---

// resolveChannel maps a scope plus optional room to a history channel key.
func (e *Engine) resolveChannel(scope, room string) (string, error) {
	switch scope {
	case ScopePublic:
		return store.ChannelPublic, nil
	case ScopeGlobal:
		return store.ChannelGlobal, nil
	case ScopeGroup:
		room = strings.TrimSpace(room)
		if room == "" || !e.history.Exists(store.RoomChannel(room)) {
			return "", ErrRoomNotFound
		}
		return store.RoomChannel(room), nil
	}
	return "", fmt.Errorf("unknown scope %q", scope)
}

// broadcastToChannel fans an event out to the audience of a history channel:
// everyone for the public feed and global chat, room members for a group.
func (e *Engine) broadcastToChannel(channelKey, envType string, payload any) {
	switch channelKey {
	case store.ChannelPublic, store.ChannelGlobal:
		e.toAll(envType, payload)
	default:
		if room, ok := strings.CutPrefix(channelKey, "room:"); ok {
			e.toRoom(room, nil, envType, payload)
		}
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
