package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session is the short-lived conversational context of one owner: the
// action they chose last and whatever data is needed to interpret their
// next input. It is replaced wholesale on every transition.
type Session struct {
	OwnerID        uuid.UUID         `json:"owner_id"`
	CurrentAction  string            `json:"current_action"`
	ActionData     map[string]string `json:"action_data,omitempty"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(s.LastActivityAt) > ttl
}

// Clone returns a copy of the session that shares no maps with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ActionData != nil {
		c.ActionData = make(map[string]string, len(s.ActionData))
		for k, v := range s.ActionData {
			c.ActionData[k] = v
		}
	}
	return &c
}
