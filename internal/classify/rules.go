// Package classify converts provider message shapes into NormalizedMessage.
//
// Classification is a best-effort heuristic over type codes and source
// markers. Every rule lives in an exported table so it can be inspected and
// tested on its own; nothing in this package returns an error.
package classify

import (
	"strings"

	"github.com/capitalize-ai/support-relay/internal/model"
)

// CategoryRule maps provider type codes and type names to a category.
type CategoryRule struct {
	Category model.Category
	Codes    []int
	Names    []string
}

// CategoryRules is consulted in order; the first rule matching either a code
// or a name wins. No match means model.CategoryOther.
var CategoryRules = []CategoryRule{
	{Category: model.CategoryChat, Codes: []int{29}, Names: []string{"TYPE_LIVE_CHAT"}},
	{Category: model.CategoryInfo, Codes: []int{30}, Names: []string{"TYPE_LIVE_CHAT_INFO_MESSAGE", "TYPE_ACTIVITY"}},
}

// AutomationSources are source markers identifying an automation origin.
// Matching is case-insensitive.
var AutomationSources = map[string]bool{
	"ai":              true,
	"ai_agent":        true,
	"bot":             true,
	"workflow":        true,
	"automation":      true,
	"conversation_ai": true,
}

// Facts are the classification inputs extracted from one raw message.
type Facts struct {
	Category  model.Category
	Direction model.Direction
	AI        bool
}

// SenderRule assigns a sender when Match reports true.
type SenderRule struct {
	Name   string
	Match  func(Facts) bool
	Sender model.Sender
}

// SenderRules is evaluated top to bottom; the last rule always matches.
var SenderRules = []SenderRule{
	{Name: "info", Match: func(f Facts) bool { return f.Category == model.CategoryInfo }, Sender: model.SenderSystem},
	{Name: "automation", Match: func(f Facts) bool { return f.AI }, Sender: model.SenderAIAgent},
	{Name: "outbound", Match: func(f Facts) bool { return f.Direction == model.DirectionOutbound }, Sender: model.SenderHumanAgent},
	{Name: "default", Match: func(Facts) bool { return true }, Sender: model.SenderContact},
}

// EventFacts are the inputs of the single-event decision table.
type EventFacts struct {
	Type      string
	Direction model.Direction
	AI        bool
}

// EventRule assigns direction and sender to a direct single-event payload.
type EventRule struct {
	Name      string
	Match     func(EventFacts) bool
	Direction model.Direction
	Sender    model.Sender
}

var (
	inboundEventTypes  = map[string]bool{"inboundmessage": true, "inbound": true}
	outboundEventTypes = map[string]bool{"outboundmessage": true, "outbound": true}
)

func eventOutbound(f EventFacts) bool {
	return f.Direction == model.DirectionOutbound || outboundEventTypes[f.Type]
}

// EventRules is the single-event decision table, first match wins.
var EventRules = []EventRule{
	{
		Name:      "inbound",
		Match:     func(f EventFacts) bool { return f.Direction == model.DirectionInbound || inboundEventTypes[f.Type] },
		Direction: model.DirectionInbound,
		Sender:    model.SenderContact,
	},
	{
		Name:      "outbound_ai",
		Match:     func(f EventFacts) bool { return eventOutbound(f) && f.AI },
		Direction: model.DirectionOutbound,
		Sender:    model.SenderAIAgent,
	},
	{
		Name:      "outbound_human",
		Match:     eventOutbound,
		Direction: model.DirectionOutbound,
		Sender:    model.SenderHumanAgent,
	},
	{
		Name:      "agent_send",
		Match:     func(f EventFacts) bool { return f.Type == "agent_send" },
		Direction: model.DirectionOutbound,
		Sender:    model.SenderHumanAgent,
	},
	{
		Name:      "default",
		Match:     func(EventFacts) bool { return true },
		Direction: model.DirectionInbound,
		Sender:    model.SenderContact,
	},
}

// CategoryFor returns the category for a provider type code and/or name.
// code < 0 means no code was supplied.
func CategoryFor(code int, name string) model.Category {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, rule := range CategoryRules {
		for _, c := range rule.Codes {
			if code >= 0 && c == code {
				return rule.Category
			}
		}
		for _, n := range rule.Names {
			if name != "" && n == name {
				return rule.Category
			}
		}
	}
	return model.CategoryOther
}

// SenderFor applies SenderRules.
func SenderFor(f Facts) model.Sender {
	for _, rule := range SenderRules {
		if rule.Match(f) {
			return rule.Sender
		}
	}
	return model.SenderContact
}

// EventRuleFor applies EventRules and returns the matching rule.
func EventRuleFor(f EventFacts) EventRule {
	for _, rule := range EventRules {
		if rule.Match(f) {
			return rule
		}
	}
	return EventRules[len(EventRules)-1]
}
