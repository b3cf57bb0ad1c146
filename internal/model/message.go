package model

import (
	"strconv"
	"strings"
	"time"
)

const (
	AISenderID    = "ai"
	AISenderLabel = "AI"
)

// Sender identifies who wrote a message. ID AISenderID is reserved for the model.
type Sender struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func UserSender(userID uint, label string) Sender {
	return Sender{ID: strconv.FormatUint(uint64(userID), 10), Label: label}
}

func AISender() Sender {
	return Sender{ID: AISenderID, Label: AISenderLabel}
}

// Message is a chat message held in the message cache. It is never mutated after
// creation and disappears once ExpiresAt has passed.
type Message struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Body      string    `json:"body"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m Message) FromAI() bool {
	return m.Sender.ID == AISenderID
}

func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Matches reports whether body or sender label contains term, ignoring case.
// term is expected to be lower-cased already.
func (m Message) Matches(term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(m.Body), term) ||
		strings.Contains(strings.ToLower(m.Sender.Label), term)
}
