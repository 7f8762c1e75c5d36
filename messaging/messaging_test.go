package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsentStateString(t *testing.T) {
	assert.Equal(t, "unknown", ConsentUnknown.String())
	assert.Equal(t, "allowed", ConsentAllowed.String())
	assert.Equal(t, "denied", ConsentDenied.String())
	assert.Equal(t, "invalid", ConsentState(99).String())
}

func TestSurfacesAsUnread(t *testing.T) {
	assert.True(t, ContentText.SurfacesAsUnread())
	assert.True(t, ContentAttachment.SurfacesAsUnread())
	assert.False(t, ContentReaction.SurfacesAsUnread())
	assert.False(t, ContentReadReceipt.SurfacesAsUnread())
	assert.False(t, ContentExplodeSettings.SurfacesAsUnread())
	assert.False(t, ContentJoinError.SurfacesAsUnread())
}

func TestConversationExpired(t *testing.T) {
	now := time.Now()

	forever := Conversation{ID: "c1"}
	assert.False(t, forever.Expired(now))

	past := Conversation{ID: "c2", ExpiresAt: now.Add(-time.Second)}
	assert.True(t, past.Expired(now))

	future := Conversation{ID: "c3", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, future.Expired(now))
}

func TestJoinErrorRoundTrip(t *testing.T) {
	text, err := JoinError{
		Code:   JoinErrorConversationExpired,
		Tag:    "t1",
		Detail: "the conversation has expired",
	}.Encode()
	require.NoError(t, err)

	je, ok := ParseJoinError(text)
	require.True(t, ok)
	assert.Equal(t, JoinErrorConversationExpired, je.Code)
	assert.Equal(t, "t1", je.Tag)
}

func TestParseJoinErrorRejectsOtherText(t *testing.T) {
	cases := []string{
		"hello there",
		"",
		"{\"type\":\"something_else\",\"code\":\"x\"}",
		"{\"type\":\"join_error\"}",
		"{not json",
	}
	for _, text := range cases {
		_, ok := ParseJoinError(text)
		assert.False(t, ok, "text %q should not parse as join error", text)
	}
}

func TestExplodeSettingsRoundTrip(t *testing.T) {
	text, err := EncodeExplodeSettings(ExplodeSettings{
		ConversationID: "c1",
		ExpireAfter:    time.Minute,
		DirectiveID:    "d1",
	})
	require.NoError(t, err)

	settings, err := ParseExplodeSettings(text)
	require.NoError(t, err)
	assert.Equal(t, "c1", settings.ConversationID)
	assert.Equal(t, time.Minute, settings.ExpireAfter)

	_, err = ParseExplodeSettings("{}")
	assert.Error(t, err)
}
