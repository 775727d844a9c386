package models

import (
	"strings"
	"time"
)

// Kind discriminates event payloads on the network.
type Kind int

const (
	// KindThread starts a conversation thread.
	KindThread Kind = 11
	// KindReply is a reply inside a thread (chat messages and progress updates).
	KindReply Kind = 1111
	// KindTask is a persisted tool invocation record.
	KindTask Kind = 1934
	// KindLesson is a lesson an agent asked to remember.
	KindLesson Kind = 4129
	// KindAgentDefinition is an externally authored agent definition.
	KindAgentDefinition Kind = 4199
	// KindProjectStatus is an ephemeral project status heartbeat.
	KindProjectStatus Kind = 24010
	// KindTypingStart indicates an agent started composing a response.
	KindTypingStart Kind = 24111
	// KindTypingStop indicates an agent stopped composing a response.
	KindTypingStop Kind = 24112
	// KindProject is the addressable project record.
	KindProject Kind = 31933
)

// Category names the broad class of a kind.
func (k Kind) Category() string {
	switch k {
	case KindProject, KindProjectStatus:
		return "project-update"
	case KindTask:
		return "task"
	case KindThread, KindReply:
		return "chat"
	case KindLesson:
		return "lesson"
	case KindTypingStart, KindTypingStop:
		return "typing-indicator"
	case KindAgentDefinition:
		return "agent-definition"
	default:
		return "other"
	}
}

// Tag is a single key-value tag; element 0 is the key.
type Tag []string

// Key returns the tag key or "" for an empty tag.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Marker returns the NIP-10 style marker (element 3) or "".
func (t Tag) Marker() string {
	if len(t) < 4 {
		return ""
	}
	return t[3]
}

// Tags is an ordered tag list.
type Tags []Tag

// Find returns the first tag with the given key, or nil.
func (ts Tags) Find(key string) Tag {
	for _, t := range ts {
		if t.Key() == key {
			return t
		}
	}
	return nil
}

// Values returns the values of every tag with the given key.
func (ts Tags) Values(key string) []string {
	var out []string
	for _, t := range ts {
		if t.Key() == key && t.Value() != "" {
			out = append(out, t.Value())
		}
	}
	return out
}

// Event is an immutable, signed network message.
type Event struct {
	// ID is the network-wide unique event id.
	ID string `json:"id"`
	// PubKey is the author's public key.
	PubKey string `json:"pubkey"`
	// CreatedAt is the author-declared creation time.
	CreatedAt time.Time `json:"created_at"`
	// Kind discriminates the payload.
	Kind Kind `json:"kind"`
	// Tags carry filtering and cross-reference data.
	Tags Tags `json:"tags"`
	// Content is the event body.
	Content string `json:"content"`
	// Sig is the author's signature over the serialized event.
	Sig string `json:"sig,omitempty"`
}

// TagValue returns the value of the first tag with key, or "".
func (e *Event) TagValue(key string) string {
	return e.Tags.Find(key).Value()
}

// RootID returns the id of the thread this event belongs to.
// Thread starts are their own root.
func (e *Event) RootID() string {
	if v := e.TagValue("E"); v != "" {
		return v
	}
	var firstE string
	for _, t := range e.Tags {
		if t.Key() != "e" || t.Value() == "" {
			continue
		}
		if t.Marker() == "root" {
			return t.Value()
		}
		if firstE == "" {
			firstE = t.Value()
		}
	}
	if firstE != "" {
		return firstE
	}
	if e.Kind == KindThread {
		return e.ID
	}
	return ""
}

// IsThreadStart reports whether the event opens a new conversation.
func (e *Event) IsThreadStart() bool {
	return e.Kind == KindThread && e.RootID() == e.ID
}

// ProjectRef returns the project coordinate this event references, if any.
func (e *Event) ProjectRef() string {
	prefix := projectKindPrefix()
	for _, v := range e.Tags.Values("a") {
		if strings.HasPrefix(v, prefix) {
			return v
		}
	}
	return ""
}

// PTags returns the pubkeys referenced with p tags.
func (e *Event) PTags() []string {
	return e.Tags.Values("p")
}

func projectKindPrefix() string {
	return "31933:"
}

// ProjectCoordinate builds the address of a project record.
func ProjectCoordinate(ownerPubKey, dTag string) string {
	return projectKindPrefix() + ownerPubKey + ":" + dTag
}

// ReplyTags builds the tags of a reply inside a thread: the root, the direct
// parent, the project and the pubkeys to notify.
func ReplyTags(root, parent, projectRef string, notify ...string) Tags {
	tags := Tags{{"E", root}, {"e", root, "", "root"}}
	if parent != "" && parent != root {
		tags = append(tags, Tag{"e", parent, "", "reply"})
	}
	if projectRef != "" {
		tags = append(tags, Tag{"a", projectRef})
	}
	for _, pk := range notify {
		if pk != "" {
			tags = append(tags, Tag{"p", pk})
		}
	}
	return tags
}
