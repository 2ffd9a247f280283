package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleHuman  Role = "human"
	RoleSystem Role = "system"
)

// ContextStatus controls whether a message survives a context boundary.
type ContextStatus string

const (
	ContextDefault ContextStatus = "default"
	ContextAlways  ContextStatus = "always"
	ContextNever   ContextStatus = "never"
)

func ParseContextStatus(raw string) (ContextStatus, error) {
	switch ContextStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case ContextDefault, "":
		return ContextDefault, nil
	case ContextAlways:
		return ContextAlways, nil
	case ContextNever:
		return ContextNever, nil
	default:
		return "", fmt.Errorf("unknown context status %q", raw)
	}
}

// ContextClearedMarker is the content of a context-boundary message.
const ContextClearedMarker = "[CONTEXT_CLEARED]"

// Message is one entry of a persona's conversation.
type Message struct {
	ID               string        `json:"id"`
	Role             Role          `json:"role"`
	Content          string        `json:"content"`
	Timestamp        time.Time     `json:"timestamp"`
	Read             bool          `json:"read"`
	ConceptProcessed bool          `json:"concept_processed"`
	ContextStatus    ContextStatus `json:"context_status,omitempty"`
}

// IsMarker reports whether m is a context boundary.
func (m Message) IsMarker() bool {
	return m.Role == RoleSystem && m.Content == ContextClearedMarker
}

// NewHumanMessage builds a human-authored message. Human input counts as read.
func NewHumanMessage(content string, ts time.Time) Message {
	return Message{Role: RoleHuman, Content: content, Timestamp: ts, Read: true, ContextStatus: ContextDefault}
}

// NewSystemMessage builds a persona-authored message, unread until displayed.
func NewSystemMessage(content string, ts time.Time) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: ts, Read: false, ContextStatus: ContextDefault}
}

// History is an append-only message log. Timestamps are strictly increasing.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

func NewHistory(messages ...Message) *History {
	h := &History{}
	for _, m := range messages {
		h.appendLocked(m)
	}
	return h
}

// Append stores m, assigning an id and bumping the timestamp past the
// previous entry when needed. Returns the stored message.
func (h *History) Append(m Message) Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendLocked(m)
}

func (h *History) appendLocked(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ContextStatus == "" {
		m.ContextStatus = ContextDefault
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if n := len(h.messages); n > 0 {
		last := h.messages[n-1].Timestamp
		if !m.Timestamp.After(last) {
			m.Timestamp = last.Add(time.Nanosecond)
		}
	}
	h.messages = append(h.messages, m)
	return m
}

func (h *History) All() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) Get(id string) (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// LastTimestamp returns the newest message time, or zero.
func (h *History) LastTimestamp() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return time.Time{}
	}
	return h.messages[len(h.messages)-1].Timestamp
}

// Unread returns system messages not yet displayed.
func (h *History) Unread() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Message
	for _, m := range h.messages {
		if !m.Read && !m.IsMarker() {
			out = append(out, m)
		}
	}
	return out
}

// MarkRead flags every message up to and including upTo as read. A zero
// upTo marks everything.
func (h *History) MarkRead(upTo time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := range h.messages {
		if !upTo.IsZero() && h.messages[i].Timestamp.After(upTo) {
			break
		}
		if !h.messages[i].Read {
			h.messages[i].Read = true
			n++
		}
	}
	return n
}

// MarkProcessed flags the given messages as consumed by extraction.
func (h *History) MarkProcessed(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := range h.messages {
		if _, ok := want[h.messages[i].ID]; ok && !h.messages[i].ConceptProcessed {
			h.messages[i].ConceptProcessed = true
			n++
		}
	}
	return n
}

func (h *History) SetContextStatus(id string, status ContextStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.messages {
		if h.messages[i].ID == id {
			h.messages[i].ContextStatus = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

// ClearContext appends a context boundary at now.
func (h *History) ClearContext(now time.Time) Message {
	marker := NewSystemMessage(ContextClearedMarker, now)
	marker.Read = true
	marker.ConceptProcessed = true
	return h.Append(marker)
}

// GetRecentMessages returns the prompt window. When a boundary exists only
// the latest one counts: messages strictly after it (minus "never") plus
// "always" messages before it. Markers are never returned. limit > 0 keeps
// the newest entries.
func (h *History) GetRecentMessages(limit int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var boundary time.Time
	hasBoundary := false
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].IsMarker() {
			boundary = h.messages[i].Timestamp
			hasBoundary = true
			break
		}
	}

	out := make([]Message, 0, len(h.messages))
	for _, m := range h.messages {
		if m.IsMarker() {
			continue
		}
		switch {
		case !hasBoundary:
			if m.ContextStatus != ContextNever {
				out = append(out, m)
			}
		case m.Timestamp.After(boundary):
			if m.ContextStatus != ContextNever {
				out = append(out, m)
			}
		case m.ContextStatus == ContextAlways:
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ExtractionWindow returns read, unprocessed messages strictly before the
// given time.
func (h *History) ExtractionWindow(before time.Time) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Message
	for _, m := range h.messages {
		if !m.Timestamp.Before(before) {
			break
		}
		if m.IsMarker() || m.ConceptProcessed || !m.Read {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.All())
}

func (h *History) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	fresh := NewHistory(msgs...)
	h.mu.Lock()
	h.messages = fresh.messages
	h.mu.Unlock()
	return nil
}
