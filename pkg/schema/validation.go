package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue points at one problem in a workflow definition. Path is a
// JSON pointer into the definition, e.g. /steps/2/config.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found by every validation pass.
// Only errors block persistence.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid result. Otherwise it returns a FlowError
// carrying the first error's code, so an unknown step kind surfaces as
// INVALID_STEP_DEFINITION and a bad cron as INVALID_TRIGGER.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]

	msg := first.Message
	if n := len(r.Errors); n > 1 {
		parts := make([]string, 0, n)
		for _, issue := range r.Errors {
			parts = append(parts, issue.String())
		}
		msg = fmt.Sprintf("%d errors: %s", n, strings.Join(parts, "; "))
	}

	return NewError(first.Code, msg).WithDetails(map[string]any{
		"errorCount":   len(r.Errors),
		"warningCount": len(r.Warnings),
		"errors":       r.Errors,
		"warnings":     r.Warnings,
	})
}
