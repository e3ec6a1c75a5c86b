// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

package validation

import (
	"strings"
	"testing"
)

type statusBody struct {
	Status   string `json:"status" validate:"required,case_status"`
	Priority string `json:"priority" validate:"omitempty,priority"`
	Note     string `json:"note" validate:"max=10"`
}

type loginBody struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=4"`
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() returned different instances")
	}
}

func TestValidateStructValid(t *testing.T) {
	tests := []any{
		&statusBody{Status: "Assigned"},
		&statusBody{Status: "InProgress", Priority: "HIGH"},
		&statusBody{Status: "Completed", Priority: "LOW", Note: "done"},
		&loginBody{Username: "inspector", Password: "s3cret"},
	}
	for _, in := range tests {
		if err := ValidateStruct(in); err != nil {
			t.Errorf("ValidateStruct(%+v) = %v, want nil", in, err)
		}
	}
}

func TestValidateStructDomainTags(t *testing.T) {
	err := ValidateStruct(&statusBody{Status: "Archived"})
	if err == nil {
		t.Fatal("ValidateStruct() = nil, want error for unknown status")
	}
	errs := err.Errors()
	if len(errs) != 1 || errs[0].Tag() != "case_status" || errs[0].Field() != "status" {
		t.Errorf("errors = %+v, want one case_status error on status", errs)
	}

	err = ValidateStruct(&statusBody{Status: "Assigned", Priority: "URGENT"})
	if err == nil || err.Errors()[0].Tag() != "priority" {
		t.Errorf("ValidateStruct() = %v, want priority error", err)
	}
}

func TestValidationMessages(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"required", &statusBody{}, "status is required"},
		{"max string", &statusBody{Status: "Assigned", Note: "far too long a note"}, "note must be at most 10 characters"},
		{"min string", &loginBody{Username: "u", Password: "abc"}, "password must be at least 4 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.in)
			if err == nil {
				t.Fatal("ValidateStruct() = nil")
			}
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	single := ValidateStruct(&statusBody{}).ToAPIError()
	if single.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q, want VALIDATION_ERROR", single.Code)
	}
	if single.Details["field"] != "status" {
		t.Errorf("Details = %v, want field status", single.Details)
	}

	multi := ValidateStruct(&loginBody{}).ToAPIError()
	fields, ok := multi.Details["fields"].([]map[string]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("Details = %v, want two fields", multi.Details)
	}
	if !strings.Contains(multi.Message, "username: username is required") {
		t.Errorf("Message = %q", multi.Message)
	}

	empty := (&RequestValidationError{}).ToAPIError()
	if empty.Message != "Validation failed" {
		t.Errorf("empty Message = %q", empty.Message)
	}
}

func TestValidateStructNonStruct(t *testing.T) {
	err := ValidateStruct("not a struct")
	if err == nil || err.Errors()[0].Field() != "unknown" {
		t.Errorf("ValidateStruct(string) = %v, want unknown field error", err)
	}
}
