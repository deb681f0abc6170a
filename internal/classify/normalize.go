package classify

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-relay/internal/identity"
	"github.com/capitalize-ai/support-relay/internal/model"
)

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("support-relay/messages"))

var (
	idKeys   = []string{"id", "message_id", "messageId"}
	textKeys = []string{"body", "text", "message", "content"}
	timeKeys = []string{"createdAt", "created_at", "dateAdded", "timestamp"}
)

// NormalizeBatch converts provider messages into normalized messages for
// conversationID. Input order is kept; entries that are not objects are
// skipped and a repeated id keeps its first occurrence.
func NormalizeBatch(conversationID string, raw []any, now time.Time) []model.NormalizedMessage {
	out := make([]model.NormalizedMessage, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg := normalizeMessage(conversationID, model.RawEvent(obj), now)
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	return out
}

func normalizeMessage(conversationID string, raw model.RawEvent, now time.Time) model.NormalizedMessage {
	category := categoryOf(raw)
	direction := directionOf(raw["direction"])
	if direction == "" {
		direction = model.DirectionInbound
	}
	sender := SenderFor(Facts{Category: category, Direction: direction, AI: isAutomation(raw)})

	return model.NormalizedMessage{
		ID:             messageID(conversationID, raw),
		ConversationID: conversationID,
		Direction:      direction,
		Sender:         sender,
		Category:       category,
		Text:           firstString(raw, textKeys),
		CreatedAt:      createdAt(raw, now),
	}
}

// NormalizeEvent converts a direct single-event payload using the
// EventRules decision table.
func NormalizeEvent(conversationID string, event model.RawEvent, now time.Time) model.NormalizedMessage {
	eventType, _ := event["type"].(string)
	rule := EventRuleFor(EventFacts{
		Type:      strings.ToLower(strings.TrimSpace(eventType)),
		Direction: directionOf(event["direction"]),
		AI:        isAutomation(event),
	})

	category := categoryOf(event)
	sender := rule.Sender
	if category == model.CategoryInfo {
		sender = model.SenderSystem
	}

	return model.NormalizedMessage{
		ID:             messageID(conversationID, event),
		ConversationID: conversationID,
		Direction:      rule.Direction,
		Sender:         sender,
		Category:       category,
		Text:           firstString(event, textKeys),
		CreatedAt:      createdAt(event, now),
	}
}

// categoryOf reads type data from type, messageType and typeName. Codes may
// arrive as numbers or numeric strings, names as strings.
func categoryOf(raw model.RawEvent) model.Category {
	for _, key := range []string{"type", "messageType", "typeName"} {
		code, name := typeData(raw[key])
		if c := CategoryFor(code, name); c != model.CategoryOther {
			return c
		}
	}
	return model.CategoryOther
}

func typeData(v any) (int, string) {
	switch t := v.(type) {
	case float64:
		if t == float64(int(t)) {
			return int(t), ""
		}
	case int:
		return t, ""
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, ""
		}
		return -1, t
	}
	return -1, ""
}

func directionOf(v any) model.Direction {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound", "incoming", "in":
		return model.DirectionInbound
	case "outbound", "outgoing", "out":
		return model.DirectionOutbound
	}
	return ""
}

func isAutomation(raw model.RawEvent) bool {
	for _, key := range []string{"source", "messageSource", "origin"} {
		if s, ok := raw[key].(string); ok && AutomationSources[strings.ToLower(strings.TrimSpace(s))] {
			return true
		}
	}
	for _, key := range []string{"aiGenerated", "isAi"} {
		if b, ok := raw[key].(bool); ok && b {
			return true
		}
	}
	return false
}

// messageID returns the provider id, or a UUIDv5 over the conversation id and
// the canonical JSON of raw so that retried deliveries map to the same id.
func messageID(conversationID string, raw model.RawEvent) string {
	for _, key := range idKeys {
		if id, ok := identity.Stringify(raw[key]); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	canonical, err := json.Marshal(raw)
	if err != nil {
		canonical = []byte(conversationID)
	}
	return uuid.NewSHA1(messageNamespace, append([]byte(conversationID+"\x00"), canonical...)).String()
}

func firstString(raw model.RawEvent, keys []string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// createdAt returns the first usable timestamp of raw, or now. Every tier
// persists microseconds, so the result is truncated to match.
func createdAt(raw model.RawEvent, now time.Time) time.Time {
	for _, key := range timeKeys {
		if t, ok := parseTime(raw[key]); ok {
			return t.UTC().Truncate(model.TimestampPrecision)
		}
	}
	return now.UTC().Truncate(model.TimestampPrecision)
}

// maxEpoch bounds numeric timestamps; anything larger is not a plausible
// millisecond value.
const maxEpoch = 1 << 53

// parseTime accepts RFC3339 strings and epoch seconds or milliseconds.
// Values outside years 0000-9999 are rejected.
func parseTime(v any) (time.Time, bool) {
	var ts time.Time
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ts = parsed
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > -maxEpoch && n < maxEpoch {
			ts = fromEpoch(n)
		} else {
			return time.Time{}, false
		}
	case float64:
		if math.IsNaN(t) || t <= -maxEpoch || t >= maxEpoch {
			return time.Time{}, false
		}
		ts = fromEpoch(int64(t))
	default:
		return time.Time{}, false
	}
	if !model.TimestampInRange(ts) {
		return time.Time{}, false
	}
	return ts, true
}

// fromEpoch treats values below 1e12 as seconds and the rest as milliseconds.
func fromEpoch(n int64) time.Time {
	if n < 1e12 {
		return time.Unix(n, 0)
	}
	return time.UnixMilli(n)
}
