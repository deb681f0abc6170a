// Package identity derives a canonical conversation id from inbound payloads.
package identity

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/support-relay/internal/model"
)

// ErrMissingIdentifier is returned when no rule yields a usable id.
var ErrMissingIdentifier = errors.New("missing conversation identifier")

// unknownID is the placeholder some upstream automations send instead of an id.
const unknownID = "unknown"

var messageIDPattern = regexp.MustCompile(`^msg_(\d+)$`)

// Resolve returns the conversation id for event. Rules, first match wins:
//  1. conversationId
//  2. conversation.id
//  3. conv_<contactId> from contactId or contact.id
//  4. conv_<N> when messageId matches msg_<digits>
//
// A candidate that fails Validate is skipped, so every accepted id can be
// used again to read the conversation back.
func Resolve(event model.RawEvent) (string, error) {
	candidates := []func() (string, bool){
		func() (string, bool) { return usable(event["conversationId"]) },
		func() (string, bool) { return usable(nested(event, "conversation", "id")) },
		func() (string, bool) { return prefixed(usable(event["contactId"])) },
		func() (string, bool) { return prefixed(usable(nested(event, "contact", "id"))) },
		func() (string, bool) {
			raw, ok := usable(event["messageId"])
			if !ok {
				return "", false
			}
			m := messageIDPattern.FindStringSubmatch(raw)
			if m == nil {
				return "", false
			}
			return "conv_" + m[1], true
		},
	}
	for _, candidate := range candidates {
		if id, ok := candidate(); ok && Validate(id) == nil {
			return id, nil
		}
	}
	return "", ErrMissingIdentifier
}

func prefixed(id string, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	return "conv_" + id, true
}

// MaxIDLength bounds conversation ids.
const MaxIDLength = 256

// Validate reports whether id can serve as a conversation id: non-empty, at
// most MaxIDLength bytes of valid UTF-8, with no whitespace or control
// characters.
func Validate(id string) error {
	if id == "" {
		return errors.New("conversation ID is required")
	}
	if len(id) > MaxIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("conversation ID must be valid UTF-8")
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.New("invalid conversation ID format")
		}
	}
	return nil
}

func nested(event model.RawEvent, key, field string) any {
	obj, ok := event[key].(map[string]any)
	if !ok {
		return nil
	}
	return obj[field]
}

// usable normalizes v to a string id. Empty values and the "unknown"
// placeholder are not usable.
func usable(v any) (string, bool) {
	s, ok := Stringify(v)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || s == unknownID {
		return "", false
	}
	return s, true
}

// Stringify renders JSON scalars used as identifiers. Whole floats (the
// decoded form of JSON integers) are rendered without a fraction.
func Stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
