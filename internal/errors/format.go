package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// asVulnError returns the first VulnError in err's chain, wrapping plain
// errors as internal errors.
func asVulnError(err error) *VulnError {
	var ve *VulnError
	if stderrors.As(err, &ve) {
		return ve
	}
	return Wrap(ErrCodeInternal, err)
}

// FormatForCLI formats an error for CLI output.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	ve := asVulnError(err)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", ve.Message))
	if ve.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", ve.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", ve.Code))
	return sb.String()
}

// JSONError is the JSON representation of an error, used for HTTP bodies.
type JSONError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// ToJSON converts err into its JSON representation.
func ToJSON(err error) JSONError {
	ve := asVulnError(err)
	return JSONError{
		Code:       ve.Code,
		Message:    ve.Message,
		Category:   string(ve.Category),
		Details:    ve.Details,
		Suggestion: ve.Suggestion,
		Retryable:  ve.Retryable,
	}
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(ToJSON(err))
}

// LogAttrs formats an error as key-value pairs for slog.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	var ve *VulnError
	if !stderrors.As(err, &ve) {
		return []any{"error", err.Error()}
	}

	attrs := []any{
		"error", ve.Message,
		"error_code", ve.Code,
		"retryable", ve.Retryable,
	}
	for k, v := range ve.Details {
		attrs = append(attrs, "detail_"+k, v)
	}
	return attrs
}
