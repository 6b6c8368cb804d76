package agecheck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAge(t *testing.T) {
	now := date(2026, time.October, 17)

	tests := []struct {
		name string
		dob  time.Time
		want int
	}{
		{"birthday today", date(2008, time.October, 17), 18},
		{"birthday tomorrow", date(2008, time.October, 18), 17},
		{"birthday yesterday", date(2008, time.October, 16), 18},
		{"earlier month", date(2001, time.March, 2), 25},
		{"later month", date(2011, time.December, 1), 14},
		{"born today", now, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Age(tc.dob, now))
		})
	}

	t.Run("leap day birthday counts on Mar 1 in non-leap years", func(t *testing.T) {
		dob := date(2008, time.February, 29)
		assert.Equal(t, 17, Age(dob, date(2026, time.February, 28)))
		assert.Equal(t, 18, Age(dob, date(2026, time.March, 1)))
	})
}

func TestEvaluate(t *testing.T) {
	now := date(2026, time.October, 17)

	t.Run("adult at threshold", func(t *testing.T) {
		o, err := Evaluate(date(2001, time.January, 1), 18, now)
		require.NoError(t, err)
		assert.True(t, o.IsAdult)
		assert.Equal(t, 25, o.SubjectAge)
		assert.Equal(t, 18, o.AgeThreshold)
		assert.Equal(t, now, o.ComputedAt)
	})

	t.Run("minor below threshold", func(t *testing.T) {
		o, err := Evaluate(date(2011, time.January, 1), 18, now)
		require.NoError(t, err)
		assert.False(t, o.IsAdult)
		assert.Equal(t, 15, o.SubjectAge)
	})

	t.Run("future birth date rejected", func(t *testing.T) {
		_, err := Evaluate(now.AddDate(0, 0, 1), 18, now)
		assert.ErrorIs(t, err, ErrInvalidBirthDate)
	})

	t.Run("implausible age rejected", func(t *testing.T) {
		_, err := Evaluate(date(1800, time.January, 1), 18, now)
		assert.ErrorIs(t, err, ErrInvalidBirthDate)
	})
}

func TestParseCategory(t *testing.T) {
	for _, s := range []string{"verified_adult", "blocked_minor", "limited_access"} {
		c, ok := ParseCategory(s)
		assert.True(t, ok, s)
		assert.Equal(t, Category(s), c)
	}
	for _, s := range []string{"", "not_a_real_value", "VERIFIED_ADULT"} {
		_, ok := ParseCategory(s)
		assert.False(t, ok, s)
	}

	assert.Equal(t, StatusVerified, CategoryVerifiedAdult.Status())
	assert.Equal(t, StatusBlocked, CategoryBlockedMinor.Status())
	assert.Equal(t, StatusLimited, CategoryLimitedAccess.Status())
}
