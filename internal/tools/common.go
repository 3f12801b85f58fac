package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseJSON is a helper function to parse JSON arguments.
func parseJSON(jsonStr string, v any) error {
	decoder := json.NewDecoder(strings.NewReader(jsonStr))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// successResult marshals a {success:true, ...data} tool result.
func successResult(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	data["success"] = true
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// failureResult marshals a {success:false, error} tool result. Business
// failures are returned to the model this way, never as Go errors.
func failureResult(msg string) (string, error) {
	return toolErrorResult(&ToolError{Code: "tool_failed", Message: msg}), nil
}

// invalidArgsResult reports arguments that failed decoding or a missing
// required field.
func invalidArgsResult(err error) (string, error) {
	return toolErrorResult(NewValidationError("invalid_arguments",
		fmt.Sprintf("invalid arguments: %v", err), nil)), nil
}

// notFoundResult reports a referenced entity that does not exist.
func notFoundResult(kind, id string) (string, error) {
	return toolErrorResult(NewNotFoundError(kind+"_not_found",
		fmt.Sprintf("%s %s not found", kind, id),
		"Check the id; it may belong to another agent or have been deleted.")), nil
}

// toolErrorResult marshals a ToolError into the {success:false, ...} shape
// the model sees.
func toolErrorResult(te *ToolError) string {
	data := map[string]any{
		"success": false,
		"error":   te.Message,
		"code":    te.Code,
	}
	if te.Suggestion != "" {
		data["suggestion"] = te.Suggestion
	}
	if len(te.Details) > 0 {
		data["details"] = te.Details
	}
	out, _ := json.Marshal(data)
	return string(out)
}
