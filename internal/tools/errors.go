package tools

import (
	"fmt"

	"github.com/kvashenko/valet/internal/logger"
)

// ToolError is a structured tool execution error.
type ToolError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return e.Message
}

// ToLLMContext returns a structured description for the LLM.
func (e *ToolError) ToLLMContext() string {
	result := fmt.Sprintf("Tool Error:\n - Code: %s\n - Message: %s", e.Code, e.Message)

	if e.Suggestion != "" {
		result += fmt.Sprintf("\n - Suggestion: %s", e.Suggestion)
	}

	if len(e.Details) > 0 {
		result += "\n - Details:"
		for key, value := range e.Details {
			result += fmt.Sprintf("\n     - %s: %v", key, value)
		}
	}

	return result
}

// LogFields returns fields for structured logging.
func (e *ToolError) LogFields() []logger.Field {
	fields := []logger.Field{
		{Key: "error_code", Value: e.Code},
		{Key: "error_message", Value: e.Message},
	}
	if e.Suggestion != "" {
		fields = append(fields, logger.Field{Key: "error_suggestion", Value: e.Suggestion})
	}
	return fields
}

// NewNotFoundError creates a "not found" error.
func NewNotFoundError(code, message, suggestion string) *ToolError {
	return &ToolError{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string, details map[string]any) *ToolError {
	return &ToolError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
