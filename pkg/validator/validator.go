package validator

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var msgs []string
	for _, e := range v {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any errors
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// Add adds a validation error
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// Err returns v as an error, or nil when empty
func (v ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// ValidateEmail validates an email address
func ValidateEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// SanitizeEmail normalizes an email address
func SanitizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateCredentials checks the login form
func ValidateCredentials(email, password string) ValidationErrors {
	var errs ValidationErrors
	if !ValidateEmail(email) {
		errs.Add("email", "must be a valid email address")
	}
	if password == "" {
		errs.Add("password", "is required")
	}
	return errs
}

// MessageText trims a chat message and checks it is sendable
func MessageText(text string, maxLen int) (string, ValidationErrors) {
	var errs ValidationErrors
	text = strings.TrimSpace(text)
	if text == "" {
		errs.Add("text", "must not be empty")
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		errs.Add("text", "is too long")
	}
	return text, errs
}
