package ir

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a self-inconsistent IR value. It is the only fatal
// error kind in the core: callers translate it to a 5xx.
var ErrInvariant = errors.New("ir: invariant violation")

// Validate checks the structural invariants every transformer may assume:
// at most one system message, occurring first if present, and every
// tool-role message answering a tool call issued by an earlier assistant
// message.
func (r *Request) Validate() error {
	seenCallIDs := make(map[string]bool)

	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("%w: system message at position %d, must be first", ErrInvariant, i)
			}
		case RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					seenCallIDs[call.ID] = true
				}
			}
		case RoleTool:
			if msg.ToolCallID == "" {
				return fmt.Errorf("%w: tool message at position %d has no tool_call_id", ErrInvariant, i)
			}
			if !seenCallIDs[msg.ToolCallID] {
				return fmt.Errorf("%w: tool message at position %d answers unknown tool_call_id %q", ErrInvariant, i, msg.ToolCallID)
			}
		case RoleUser:
			// No constraints beyond ordering.
		default:
			return fmt.Errorf("%w: unknown role %q at position %d", ErrInvariant, msg.Role, i)
		}
	}

	return nil
}
