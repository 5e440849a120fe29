package chat

import (
	"time"

	"github.com/google/uuid"

	"chatgate/internal/models"
)

type phase int

const (
	phaseIdle phase = iota
	phasePending
)

// Session is the in-memory log of one signed-in conversation. It is never
// persisted and is not safe for concurrent use; the Controller serializes access.
type Session struct {
	id            string
	principal     *models.Principal
	messages      []models.Message
	selectedModel string
	phase         phase
	lastError     error
	// generation advances on every clear so late outcomes can be recognised.
	generation uint64
	lastStamp  time.Time
}

func newSession(principal *models.Principal, model string) *Session {
	return &Session{
		id:            uuid.New().String(),
		principal:     principal,
		selectedModel: model,
	}
}

// append records msg, keeping timestamps non-decreasing in append order.
func (s *Session) append(msg models.Message) models.Message {
	if msg.Timestamp.Before(s.lastStamp) {
		msg.Timestamp = s.lastStamp
	}
	s.lastStamp = msg.Timestamp
	s.messages = append(s.messages, msg)
	return msg
}

func (s *Session) clear() {
	s.messages = nil
	s.generation++
}

// State is a copy of the session taken under the controller lock.
type State struct {
	SessionID     string
	Principal     *models.Principal
	Messages      []models.Message
	SelectedModel string
	Pending       bool
	LastError     error
}

func (s *Session) snapshot() State {
	msgs := make([]models.Message, len(s.messages))
	copy(msgs, s.messages)
	return State{
		SessionID:     s.id,
		Principal:     s.principal,
		Messages:      msgs,
		SelectedModel: s.selectedModel,
		Pending:       s.phase == phasePending,
		LastError:     s.lastError,
	}
}
