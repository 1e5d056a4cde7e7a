// Package validation provides input validation helpers for the HTTP API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tradehold/escrowd/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxReasonLength caps free-text fields (release reasons, dispute reasons).
const MaxReasonLength = 2000

var (
	// idRegex matches prefixed record IDs (esc_..., dsp_...) and plain
	// external identifiers.
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	// currencyRegex matches ISO 4217 alpha codes.
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks whether a string is a well-formed record identifier.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips null bytes, and caps length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// Error represents a single field validation failure.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation failures.
type Errors []Error

// Error implements the error interface.
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects failures.
func Validate(validators ...func() *Error) Errors {
	var errs Errors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *Error {
	return func() *Error {
		if strings.TrimSpace(value) == "" {
			return &Error{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a field is a well-formed identifier.
func ValidID(field, value string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidID(value) {
			return &Error{Field: field, Message: "must be a valid identifier"}
		}
		return nil
	}
}

// ValidAmount checks that a field parses as a non-negative decimal amount.
func ValidAmount(field, value string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil
		}
		if _, ok := money.Parse(value); !ok {
			return &Error{Field: field, Message: "must be a non-negative decimal amount"}
		}
		return nil
	}
}

// ValidURL checks that a field is an absolute http(s) URL.
func ValidURL(field, value string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return &Error{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// ValidCurrency checks that a field is a three-letter ISO currency code.
func ValidCurrency(field, value string) func() *Error {
	return func() *Error {
		if value == "" {
			return nil
		}
		if !currencyRegex.MatchString(value) {
			return &Error{Field: field, Message: "must be a three-letter ISO currency code"}
		}
		return nil
	}
}
