package messaging

import (
	"encoding/json"
	"errors"
	"strings"
)

// JoinErrorCode classifies a typed join-error reply sent back to a
// joiner over the direct-message channel. Only non-adversarial failure
// classes are ever acknowledged this way.
type JoinErrorCode string

const (
	// JoinErrorConversationExpired means the target conversation's own
	// expiry has passed.
	JoinErrorConversationExpired JoinErrorCode = "conversation_expired"
	// JoinErrorConversationUnavailable means the target conversation no
	// longer exists or is not accepting members.
	JoinErrorConversationUnavailable JoinErrorCode = "conversation_unavailable"
)

const joinErrorType = "join_error"

// JoinError is the payload of a typed join-error reply.
type JoinError struct {
	Type   string        `json:"type"`
	Code   JoinErrorCode `json:"code"`
	Tag    string        `json:"tag,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// Encode serializes the join error for transmission as message text.
func (e JoinError) Encode() (string, error) {
	e.Type = joinErrorType
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseJoinError decodes message text as a typed join error. The second
// return value reports whether the text was a join error at all; most
// direct messages are not.
func ParseJoinError(text string) (*JoinError, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}

	var je JoinError
	if err := json.Unmarshal([]byte(text), &je); err != nil {
		return nil, false
	}
	if je.Type != joinErrorType || je.Code == "" {
		return nil, false
	}
	return &je, true
}

// ParseExplodeSettings decodes message text as an explode directive.
func ParseExplodeSettings(text string) (*ExplodeSettings, error) {
	var settings ExplodeSettings
	if err := json.Unmarshal([]byte(text), &settings); err != nil {
		return nil, err
	}
	if settings.ConversationID == "" {
		return nil, errors.New("explode settings missing conversation id")
	}
	return &settings, nil
}

// EncodeExplodeSettings serializes an explode directive as message text.
func EncodeExplodeSettings(settings ExplodeSettings) (string, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
