package application

import (
	"errors"
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	var err *ValidationError
	if err.Error() != "" {
		t.Fatalf("expected empty string for nil error, got %q", err.Error())
	}

	empty := &ValidationError{}
	if got := empty.Error(); got != "validation failed" {
		t.Fatalf("expected generic message for empty error, got %q", got)
	}

	withFields := &ValidationError{FieldErrors: map[string]string{"field": "invalid"}}
	if got := withFields.Error(); got != "validation failed" {
		t.Fatalf("expected consistent message for populated error, got %q", got)
	}
}

func TestValidationError_HasErrors(t *testing.T) {
	t.Parallel()

	if err := (&ValidationError{}).HasErrors(); err {
		t.Fatalf("expected HasErrors to report false for empty error")
	}

	if err := (&ValidationError{FieldErrors: map[string]string{"field": "bad"}}).HasErrors(); !err {
		t.Fatalf("expected HasErrors to report true when fields are present")
	}
}

func TestValidationError_AddAndMerge(t *testing.T) {
	t.Parallel()

	base := &ValidationError{}
	base.add("first", "value")
	if got := base.FieldErrors["first"]; got != "value" {
		t.Fatalf("expected add to populate map, got %q", got)
	}

	other := &ValidationError{FieldErrors: map[string]string{"second": "another"}}
	base.merge(other)
	if got := base.FieldErrors["second"]; got != "another" {
		t.Fatalf("expected merge to copy field, got %q", got)
	}

	base.merge(nil)
	if len(base.FieldErrors) != 2 {
		t.Fatalf("expected merge with nil to leave fields unchanged")
	}
}

func TestConflictErrors(t *testing.T) {
	t.Parallel()

	capErr := &CapacityExceededError{ResourceID: "room", Capacity: 1, Peak: 2, With: []string{"b-1"}}
	unavailable := unavailableConflict("room", capErr)
	if !IsUnavailable(unavailable) {
		t.Fatalf("expected unavailable conflict to be reported as unavailable")
	}
	var gotCap *CapacityExceededError
	if !errors.As(unavailable, &gotCap) || gotCap != capErr {
		t.Fatalf("expected capacity cause to be reachable through errors.As")
	}

	constraint := constraintConflict("room", &ValidationError{FieldErrors: map[string]string{"window": "too long"}})
	if IsUnavailable(constraint) {
		t.Fatalf("expected constraint conflict not to be reported as unavailable")
	}
	if IsUnavailable(errors.New("other")) {
		t.Fatalf("expected plain error not to be reported as unavailable")
	}

	expansion := &RecurrenceExpansionError{
		ResourceID: "room",
		Conflicts: []InstanceConflict{
			{Index: 1, Err: unavailable},
			{Index: 3, Err: constraint},
		},
	}
	if !strings.Contains(expansion.Error(), "1,3") {
		t.Fatalf("expected conflicting indexes in message, got %q", expansion.Error())
	}
	if !IsUnavailable(expansion) {
		t.Fatalf("expected expansion error to expose its unavailable occurrence")
	}
	var vErr *ValidationError
	if !errors.As(expansion, &vErr) || vErr.FieldErrors["window"] != "too long" {
		t.Fatalf("expected expansion error to expose the constraint violation")
	}
}
