// Package server intercepts hostile chat text and substitutes a calming
// response delivered only to the sender.
package server

import (
	"math/rand"
	"regexp"
)

// soothingResponses is the fixed set a moderated sender hears instead of
// having their message delivered.
var soothingResponses = []string{
	"It seems like things are a bit stressful right now. Let's try to keep the chat friendly.",
	"Take a deep breath. Your peace of mind is more important than this argument.",
	"A soft answer turns away wrath. Let's communicate with kindness.",
}

// moderator matches configured keywords case-insensitively on word
// boundaries, so "shater" does not trigger "hate".
type moderator struct {
	patterns []*regexp.Regexp
}

func newModerator(words []string) *moderator {
	m := &moderator{patterns: make([]*regexp.Regexp, 0, len(words))}
	for _, w := range words {
		if w == "" {
			continue
		}
		m.patterns = append(m.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return m
}

// intercept returns a soothing response and true when the text contains a
// banned keyword; the message must then be neither persisted nor broadcast.
func (m *moderator) intercept(text string) (string, bool) {
	if m == nil || text == "" {
		return "", false
	}
	for _, p := range m.patterns {
		if p.MatchString(text) {
			return soothingResponses[rand.Intn(len(soothingResponses))], true
		}
	}
	return "", false
}
