package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	caerrors "github.com/nuzzle/caresync/internal/errors"
)

var validate = validator.New()

const (
	// MaxFutureSkew bounds how far ahead of now an event may start.
	MaxFutureSkew = 24 * time.Hour

	// MaxAmount is the largest accepted feed amount.
	MaxAmount = 1000.0

	// MaxDurationMinutes caps a single event at one day.
	MaxDurationMinutes = 1440
)

var diaperSubtypes = map[string]bool{"wet": true, "dirty": true, "both": true}

// RequiresAmount reports whether an event of this shape must carry an amount.
// Bottle and formula feeds are measured; breast feeds and the rest are not.
func RequiresAmount(typ EventType, subtype string) bool {
	return typ == EventFeed && (subtype == "bottle" || subtype == "formula")
}

// ValidateEvent checks e against the domain rules relative to now.
// It returns a validation.failed CodedError describing the first violation.
func ValidateEvent(e *Event, now time.Time) error {
	if err := validate.Struct(e); err != nil {
		return validationError("event", err)
	}

	if e.Amount != nil {
		if err := checkAmount(*e.Amount); err != nil {
			return err
		}
	} else if RequiresAmount(e.Type, e.Subtype) {
		return caerrors.Newf(caerrors.CodeValidationFailed, "%s %s requires an amount", e.Subtype, e.Type)
	}

	if e.EndTime != nil {
		if e.EndTime.Before(e.StartTime) {
			return caerrors.New(caerrors.CodeValidationFailed, "end time must not be before start time")
		}
		if e.DurationMinutes() > MaxDurationMinutes {
			return caerrors.Newf(caerrors.CodeValidationFailed, "duration must be at most %d minutes", MaxDurationMinutes)
		}
	}

	if e.StartTime.After(now.Add(MaxFutureSkew)) {
		return caerrors.New(caerrors.CodeValidationFailed, "start time is more than 24h in the future")
	}

	if e.Type == EventDiaper && e.Subtype != "" && !diaperSubtypes[e.Subtype] {
		return caerrors.Newf(caerrors.CodeValidationFailed, "invalid diaper subtype %q", e.Subtype)
	}

	return nil
}

// ValidateSubject checks s relative to now.
func ValidateSubject(s *Subject, now time.Time) error {
	s.Name = strings.TrimSpace(s.Name)
	if err := validate.Struct(s); err != nil {
		return validationError("subject", err)
	}
	if s.DateOfBirth.After(now) {
		return caerrors.New(caerrors.CodeValidationFailed, "date of birth is in the future")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return caerrors.Wrap(caerrors.CodeValidationFailed, fmt.Sprintf("unknown timezone %q", s.Timezone), err)
		}
	}
	return nil
}

// checkAmount rejects non-finite, non-positive and oversized amounts.
func checkAmount(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return caerrors.Newf(caerrors.CodeValidationFailed, "amount must be a finite number (got %g)", v)
	case v <= 0:
		return caerrors.Newf(caerrors.CodeValidationFailed, "amount must be greater than zero (got %g)", v)
	case v > MaxAmount:
		return caerrors.Newf(caerrors.CodeValidationFailed, "amount must be at most %g (got %g)", MaxAmount, v)
	}
	return nil
}

// ValidateLastUsed checks the remembered quick-entry values.
func ValidateLastUsed(lu *LastUsedValues) error {
	if !lu.EventType.Valid() {
		return caerrors.Newf(caerrors.CodeValidationFailed, "invalid event type %q", lu.EventType)
	}
	if lu.Amount != nil {
		if err := checkAmount(*lu.Amount); err != nil {
			return err
		}
	}
	if lu.DurationMinutes != nil && (*lu.DurationMinutes < 0 || *lu.DurationMinutes > MaxDurationMinutes) {
		return caerrors.Newf(caerrors.CodeValidationFailed, "duration must be between 0 and %d minutes", MaxDurationMinutes)
	}
	return nil
}

// ValidatePrediction checks p.
func ValidatePrediction(p *Prediction) error {
	// Range tags let NaN through.
	if math.IsNaN(p.Confidence) {
		return caerrors.New(caerrors.CodeValidationFailed, "confidence must be a number")
	}
	if err := validate.Struct(p); err != nil {
		return validationError("prediction", err)
	}
	return nil
}

// ValidateSettings checks s.
func ValidateSettings(s *Settings) error {
	if err := validate.Struct(s); err != nil {
		return validationError("settings", err)
	}
	return nil
}

// validationError flattens validator output into a single coded error.
func validationError(record string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return caerrors.Wrap(caerrors.CodeValidationFailed, "invalid "+record, err)
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return caerrors.New(caerrors.CodeValidationFailed, fmt.Sprintf("invalid %s: %s", record, strings.Join(parts, "; ")))
}
