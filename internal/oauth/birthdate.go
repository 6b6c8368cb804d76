package oauth

import (
	"fmt"
	"strings"
	"time"
)

// birthDateLayouts are the date formats seen from government identity providers:
// compact DDMMYYYY, OIDC's ISO 8601 birthdate, and day-first separated forms.
var birthDateLayouts = []string{
	"02012006",
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
}

// ParseBirthDate parses a provider-supplied date of birth as a UTC calendar date.
func ParseBirthDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrMissingAttribute
	}
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date of birth format (len %d)", len(s))
}
