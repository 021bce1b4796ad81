// Package tools provides the tool registry and execution framework.
//
// This file defines the error types that classify tool failures for the
// reasoning loop. Unknown tools and bad arguments are recoverable: the
// loop feeds them back so the model can correct itself. Authorization
// failures are terminal for the turn.
package tools

import "fmt"

// UnknownToolError is returned when a tool call targets a name that is
// not present in the registry. The loop reports it back to the model
// rather than failing the turn.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// InvalidArgumentsError is returned when a tool call's arguments fail
// decoding or validation. Field names the offending argument when one
// can be singled out.
type InvalidArgumentsError struct {
	ToolName string
	Field    string
	Reason   string
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid arguments for %s: %s: %s", e.ToolName, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, e.Reason)
}

// AuthorizationError is returned when a tool call targets data outside
// the calling user's scope, or when no identity is bound at all. It is
// terminal: the loop aborts the turn instead of letting the model retry.
type AuthorizationError struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failure in %s: %s", e.ToolName, e.Reason)
}
