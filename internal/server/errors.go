// Package server defines the error taxonomy surfaced to clients through
// error envelopes.
package server

import "errors"

var (
	// ErrInvalidCredential: login named an existing user with a wrong
	// credential. The connection stays open for retry.
	ErrInvalidCredential = errors.New("invalid password")

	// ErrRoomExists: create_group named a room that is already created.
	ErrRoomExists = errors.New("group exists")

	// ErrRoomNotFound: join_group, upload, or history request named a room
	// that was never created.
	ErrRoomNotFound = errors.New("group not found")

	// ErrEmptyPost: an upload carried neither an image nor non-empty text.
	ErrEmptyPost = errors.New("post must contain an image or text")

	// ErrForbidden: a comment came from a session lacking the post's tag.
	ErrForbidden = errors.New("missing required tag")

	// ErrNotFound: a comment referenced a post id that no channel holds.
	ErrNotFound = errors.New("post not found")
)
