package agecheck

// Category is the outcome a widget reports when completing a verification.
type Category string

const (
	CategoryVerifiedAdult Category = "verified_adult"
	CategoryBlockedMinor  Category = "blocked_minor"
	CategoryLimitedAccess Category = "limited_access"
)

// Session statuses persisted alongside each category.
const (
	StatusVerified = "verified"
	StatusBlocked  = "blocked"
	StatusLimited  = "limited"
)

// ParseCategory validates s against the closed set of categories.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(s); c {
	case CategoryVerifiedAdult, CategoryBlockedMinor, CategoryLimitedAccess:
		return c, true
	}
	return "", false
}

// Status returns the session status recorded for c.
func (c Category) Status() string {
	switch c {
	case CategoryVerifiedAdult:
		return StatusVerified
	case CategoryBlockedMinor:
		return StatusBlocked
	default:
		return StatusLimited
	}
}

// RequiresAdult reports whether the category asserts the subject passed the age check.
func (c Category) RequiresAdult() bool {
	return c == CategoryVerifiedAdult
}
