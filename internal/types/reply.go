package types

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// MODEL REPLY ENVELOPES
// =============================================================================
//
// Model calls return text that may or may not be wrapped in a JSON envelope
// depending on the upstream proxy. Rather than pattern-matching duck-typed
// shapes at every call site, replies are parsed once into a tagged union with
// an explicit unrecognized variant that fails loudly instead of guessing.

// ReplyKind tags the envelope shape a model reply arrived in.
type ReplyKind string

const (
	// ReplyText is a bare, non-JSON text reply.
	ReplyText ReplyKind = "text"

	// ReplyMessageEnvelope is {"message": "..."}.
	ReplyMessageEnvelope ReplyKind = "message"

	// ReplyResponseEnvelope is {"response": "..."} or {"response":{"text": "..."}}.
	ReplyResponseEnvelope ReplyKind = "response"

	// ReplyContentEnvelope is {"content": "..."}.
	ReplyContentEnvelope ReplyKind = "content"

	// ReplyChoicesEnvelope is the OpenAI-style
	// {"choices":[{"message":{"content":"..."}}]}.
	ReplyChoicesEnvelope ReplyKind = "choices"

	// ReplyUnrecognized is a JSON object that matched no known envelope.
	// Callers must treat this as a failure, not silently use Raw.
	ReplyUnrecognized ReplyKind = "unrecognized"
)

// ModelReply is the parsed form of a raw model response.
type ModelReply struct {
	Kind ReplyKind `json:"kind"`
	Text string    `json:"text"`
	Raw  string    `json:"raw"`
}

// Recognized reports whether the reply matched a known shape.
func (r ModelReply) Recognized() bool {
	return r.Kind != ReplyUnrecognized
}

// envelope covers every known JSON wrapper in one decode pass.
type envelope struct {
	Message  string          `json:"message"`
	Content  string          `json:"content"`
	Response json.RawMessage `json:"response"`
	Choices  []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ParseModelReply classifies a raw model response into a ModelReply.
// Non-JSON input is a plain text reply; a JSON object matching no known
// envelope becomes ReplyUnrecognized with the raw payload preserved.
func ParseModelReply(raw string) ModelReply {
	trimmed := strings.TrimSpace(raw)

	// Only objects can be envelopes; anything else is plain text.
	if !strings.HasPrefix(trimmed, "{") {
		return ModelReply{Kind: ReplyText, Text: trimmed, Raw: raw}
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		// Looks like JSON but isn't; treat as text rather than dropping it.
		return ModelReply{Kind: ReplyText, Text: trimmed, Raw: raw}
	}

	switch {
	case env.Message != "":
		return ModelReply{Kind: ReplyMessageEnvelope, Text: env.Message, Raw: raw}
	case env.Content != "":
		return ModelReply{Kind: ReplyContentEnvelope, Text: env.Content, Raw: raw}
	case len(env.Response) > 0:
		if text, ok := decodeResponseField(env.Response); ok {
			return ModelReply{Kind: ReplyResponseEnvelope, Text: text, Raw: raw}
		}
	case len(env.Choices) > 0:
		if content := env.Choices[0].Message.Content; content != "" {
			return ModelReply{Kind: ReplyChoicesEnvelope, Text: content, Raw: raw}
		}
	}

	return ModelReply{Kind: ReplyUnrecognized, Raw: raw}
}

// decodeResponseField handles both {"response":"..."} and
// {"response":{"text":"..."}}.
func decodeResponseField(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return obj.Text, true
	}

	return "", false
}
