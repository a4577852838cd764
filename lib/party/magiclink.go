package party

import (
	"fmt"
	"net/url"

	"github.com/nrednav/cuid2"
)

const (
	partyIDParam     = "jellyPartyId"
	redirectURLParam = "redirectURL"
)

// NewPartyID mints a collision-resistant party identifier.
func NewPartyID() string {
	return cuid2.Generate()
}

// MagicLink is the invite payload carried in a join URL: which party to
// join and which page to watch on.
type MagicLink struct {
	PartyID     string
	RedirectURL string
}

// BuildMagicLink renders an invite URL on top of the join page base.
func BuildMagicLink(base string, link MagicLink) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse magic link base: %w", err)
	}
	q := u.Query()
	q.Set(partyIDParam, link.PartyID)
	q.Set(redirectURLParam, link.RedirectURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseMagicLink extracts the invite payload from a join URL. The redirect
// target must itself be a valid absolute URL.
func ParseMagicLink(raw string) (MagicLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return MagicLink{}, fmt.Errorf("parse magic link: %w", err)
	}
	q := u.Query()
	link := MagicLink{
		PartyID:     q.Get(partyIDParam),
		RedirectURL: q.Get(redirectURLParam),
	}
	if link.PartyID == "" {
		return MagicLink{}, fmt.Errorf("magic link missing %s", partyIDParam)
	}
	if link.RedirectURL == "" {
		return MagicLink{}, fmt.Errorf("magic link missing %s", redirectURLParam)
	}
	target, err := url.Parse(link.RedirectURL)
	if err != nil || !target.IsAbs() {
		return MagicLink{}, fmt.Errorf("magic link redirect target %q is not an absolute URL", link.RedirectURL)
	}
	return link, nil
}
