// Package agecheck derives an age verification outcome from a date of birth.
//
// The date of birth is consumed here and nowhere else; only the integer age
// and the boolean result travel further.
package agecheck

import (
	"errors"
	"time"
)

// ErrInvalidBirthDate is returned when the date of birth lies in the future
// or implies an implausible age.
var ErrInvalidBirthDate = errors.New("invalid date of birth")

// maxAge bounds what a real date of birth can produce.
const maxAge = 150

// Outcome is the result of comparing a subject's age to a threshold.
type Outcome struct {
	IsAdult      bool
	AgeThreshold int
	SubjectAge   int
	ComputedAt   time.Time
}

// Age returns the number of whole years between dob and now, both taken as calendar dates in UTC.
// A birthday on Feb 29 is reached on Mar 1 in non-leap years.
func Age(dob, now time.Time) int {
	dob = dob.UTC()
	now = now.UTC()
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}

// Evaluate computes the outcome for dob against threshold as of now.
func Evaluate(dob time.Time, threshold int, now time.Time) (Outcome, error) {
	if dob.After(now) {
		return Outcome{}, ErrInvalidBirthDate
	}
	age := Age(dob, now)
	if age > maxAge {
		return Outcome{}, ErrInvalidBirthDate
	}
	return Outcome{
		IsAdult:      age >= threshold,
		AgeThreshold: threshold,
		SubjectAge:   age,
		ComputedAt:   now,
	}, nil
}
