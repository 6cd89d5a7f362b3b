package server

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teranos/handoff/errors"
	"github.com/teranos/handoff/logger"
)

// ErrorBody is the structured form of a failed tool call
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// jsonResult renders v as an indented JSON text result
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode tool result")
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders err as {"error": {"kind", "message"}} with isError set
func (s *Server) errorResult(tool string, err error) *mcp.CallToolResult {
	body := ErrorBody{
		Kind:    errors.Kind(err),
		Message: err.Error(),
		Hint:    errors.FlattenHints(err),
	}

	log := s.logger.Debugw
	if body.Kind == errors.KindInternal || body.Kind == errors.KindPersistenceFailure {
		log = s.logger.Warnw
	}
	log("Tool call failed",
		logger.FieldTool, tool,
		logger.FieldErrorKind, body.Kind,
		logger.FieldError, err)

	data, mErr := json.Marshal(errorEnvelope{Error: body})
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}
