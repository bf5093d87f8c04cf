package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jamesalmeida/fastclaw-relay/internal/domain"
)

// ContentPart is one element of structured message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// flattenParts joins the text of "text"-typed parts with newlines.
func flattenParts(parts []ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// FlattenContent flattens message content that arrives either as a plain
// string or as an array of typed parts.
func FlattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		return flattenParts(parts)
	}
	return ""
}

// CoerceRole maps a gateway role onto the three stored roles. Unrecognized
// and tool-oriented roles coerce to assistant: anything the gateway emits
// that is not clearly the user or the system originated from the assistant
// side of the conversation.
func CoerceRole(role string) string {
	switch role {
	case domain.RoleUser:
		return domain.RoleUser
	case domain.RoleSystem:
		return domain.RoleSystem
	default:
		return domain.RoleAssistant
	}
}

// TruncateContent caps content at the normalization limit, in runes.
func TruncateContent(s string) string {
	runes := []rune(s)
	if len(runes) <= domain.MaxContentLength {
		return s
	}
	return string(runes[:domain.MaxContentLength])
}

// wireMessage is the loosely-typed message shape from chat events and
// chat.history responses.
type wireMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"` // epoch millis
}

// NormalizeMessage converts a wire message into the stored shape. Returns
// false when flattening leaves no content.
func NormalizeMessage(sessionKey string, raw json.RawMessage) (domain.Message, bool) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return domain.Message{}, false
	}
	content := strings.TrimSpace(FlattenContent(wm.Content))
	if content == "" {
		return domain.Message{}, false
	}
	ts := time.Now().UTC()
	if wm.Timestamp > 0 {
		ts = time.UnixMilli(wm.Timestamp).UTC()
	}
	return domain.Message{
		SessionKey: sessionKey,
		Role:       CoerceRole(wm.Role),
		Content:    TruncateContent(content),
		Timestamp:  ts,
	}, true
}

// wireSession is the loosely-typed session record from sessions.list.
type wireSession struct {
	Key         string `json:"key"`
	SessionKey  string `json:"sessionKey"`
	DisplayName string `json:"displayName"`
	Title       string `json:"title"`
	Pinned      bool   `json:"pinned"`
	LastMessage string `json:"lastMessage"`
	UpdatedAt   int64  `json:"updatedAt"` // epoch millis
	CreatedAt   int64  `json:"createdAt"` // epoch millis
}

const previewLength = 120

// NormalizeSession converts a wire session with documented field
// precedence: key before sessionKey, displayName before title before a
// title derived from the key's last segment. Returns false for records
// without any usable key.
func NormalizeSession(raw json.RawMessage) (domain.Session, bool) {
	var ws wireSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return domain.Session{}, false
	}
	key := ws.Key
	if key == "" {
		key = ws.SessionKey
	}
	if key == "" {
		return domain.Session{}, false
	}

	title := ws.DisplayName
	if title == "" {
		title = ws.Title
	}
	if title == "" {
		segments := strings.Split(key, ":")
		title = segments[len(segments)-1]
	}

	preview := ws.LastMessage
	if runes := []rune(preview); len(runes) > previewLength {
		preview = string(runes[:previewLength])
	}

	now := time.Now().UTC()
	updated := now
	if ws.UpdatedAt > 0 {
		updated = time.UnixMilli(ws.UpdatedAt).UTC()
	}
	created := updated
	if ws.CreatedAt > 0 {
		created = time.UnixMilli(ws.CreatedAt).UTC()
	}

	return domain.Session{
		SessionKey:         key,
		Title:              title,
		IsPinned:           ws.Pinned,
		LastMessagePreview: preview,
		UpdatedAt:          updated,
		CreatedAt:          created,
	}, true
}

// ChatEvent is the decoded payload of a "chat" event.
type ChatEvent struct {
	State      string          `json:"state"` // delta, final, error
	RunID      string          `json:"runId"`
	SessionKey string          `json:"sessionKey"`
	Message    json.RawMessage `json:"message"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Parts extracts the content parts of the event's message, accepting both
// the typed-parts array and the plain-string forms.
func (e ChatEvent) Parts() []ContentPart {
	if len(e.Message) == 0 {
		return nil
	}
	var wm wireMessage
	if err := json.Unmarshal(e.Message, &wm); err != nil {
		return nil
	}
	if text := FlattenContent(wm.Content); text != "" {
		return []ContentPart{{Type: "text", Text: text}}
	}
	return nil
}

// Time returns the event timestamp, defaulting to now.
func (e ChatEvent) Time() time.Time {
	if e.Timestamp > 0 {
		return time.UnixMilli(e.Timestamp).UTC()
	}
	return time.Now().UTC()
}

// ParseChatEvent decodes a chat event payload. Returns false when the
// payload lacks a run id or state.
func ParseChatEvent(payload json.RawMessage) (ChatEvent, bool) {
	var ev ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChatEvent{}, false
	}
	if ev.RunID == "" || ev.State == "" {
		return ChatEvent{}, false
	}
	return ev, true
}

// statusPayload is the subset of the status/health endpoints the relay
// records. The two endpoints drifted apart across deployments; normalization
// is status-first, health fills the gaps.
type statusPayload struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	DefaultModel  string `json:"defaultModel"`
	Model         string `json:"model"`
	ContextTokens int    `json:"contextTokens"`
	TotalTokens   int    `json:"totalTokens"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func (p statusPayload) model() string {
	if p.DefaultModel != "" {
		return p.DefaultModel
	}
	return p.Model
}

// MergeHealth builds a Health snapshot from the status and health payloads,
// status taking precedence field by field.
func MergeHealth(statusRaw, healthRaw json.RawMessage, now time.Time) domain.Health {
	var st, hl statusPayload
	_ = json.Unmarshal(statusRaw, &st)
	_ = json.Unmarshal(healthRaw, &hl)

	h := domain.Health{
		Status:        st.Status,
		Version:       st.Version,
		DefaultModel:  st.model(),
		ContextTokens: st.ContextTokens,
		TotalTokens:   st.TotalTokens,
		UptimeSeconds: st.UptimeSeconds,
		CollectedAt:   now,
	}
	if h.Status == "" {
		h.Status = hl.Status
	}
	if h.Status == "" {
		h.Status = "ok"
	}
	if h.Version == "" {
		h.Version = hl.Version
	}
	if h.DefaultModel == "" {
		h.DefaultModel = hl.model()
	}
	if h.ContextTokens == 0 {
		h.ContextTokens = hl.ContextTokens
	}
	if h.TotalTokens == 0 {
		h.TotalTokens = hl.TotalTokens
	}
	if h.UptimeSeconds == 0 {
		h.UptimeSeconds = hl.UptimeSeconds
	}
	return h
}
