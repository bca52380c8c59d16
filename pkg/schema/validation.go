package schema

import "fmt"

// Severity grades a validation issue. Only errors make a definition invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue locates one problem in a definition by its path, e.g. "flow[2].branches[0][1].agent".
type ValidationIssue struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s [%s]", i.Path, i.Message, i.Code)
}

// ValidationResult collects the issues found by every validation pass.
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

// Merge appends the issues of other; nil is a no-op.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid result. A lone error keeps its own code
// (CYCLE_DETECTED, UNKNOWN_REFERENCE) and path; several errors collapse into
// VALIDATION_ERROR with every issue listed under Details["errors"].
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
	}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}

	first := r.Errors[0]
	if len(r.Errors) == 1 {
		return NewError(first.Code, first.Message).WithNode(first.Path).WithDetails(details)
	}
	return NewErrorf(ErrCodeValidation, "definition has %d errors, first: %s", len(r.Errors), first).
		WithDetails(details)
}
