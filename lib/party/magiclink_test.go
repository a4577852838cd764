package party

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMagicLinkRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := BuildMagicLink("https://join.jelly-party.com/", MagicLink{
		PartyID:     "p-abc123",
		RedirectURL: "https://videos.example.com/watch?v=42&t=10",
	})
	require.NoError(t, err)

	link, err := ParseMagicLink(raw)
	require.NoError(t, err)
	assert.Equal(t, "p-abc123", link.PartyID)
	assert.Equal(t, "https://videos.example.com/watch?v=42&t=10", link.RedirectURL)
}

func TestParseMagicLinkRejectsMissingParams(t *testing.T) {
	t.Parallel()

	_, err := ParseMagicLink("https://join.jelly-party.com/?redirectURL=https%3A%2F%2Fexample.com")
	require.Error(t, err)

	_, err = ParseMagicLink("https://join.jelly-party.com/?jellyPartyId=p-abc123")
	require.Error(t, err)
}

func TestParseMagicLinkRejectsRelativeRedirect(t *testing.T) {
	t.Parallel()

	_, err := ParseMagicLink("https://join.jelly-party.com/?jellyPartyId=p-abc123&redirectURL=%2Fwatch")
	require.Error(t, err)
}

func TestNewPartyIDIsUnique(t *testing.T) {
	t.Parallel()

	a, b := NewPartyID(), NewPartyID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
