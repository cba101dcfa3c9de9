package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRunScriptArgs indicates that a RunScript request builder
// received input that violates §4.3's validation rule.
var ErrInvalidRunScriptArgs = errors.New("wire: invalid run script arguments")

// ErrInvalidRunResponse indicates malformed RUN_RESPONSE payload bytes.
var ErrInvalidRunResponse = errors.New("wire: invalid run response payload")

// FunctionDef is a callable compiled by the worker and bound as a global.
type FunctionDef struct {
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
	Code   string   `json:"code"`
}

// CodeModule is an ES module the worker makes importable by name.
type CodeModule struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// RunScriptArgs is the JSON body of a RUN_SCRIPT frame, matching §3.
type RunScriptArgs struct {
	Name            string         `json:"name"`
	Code            *string        `json:"code,omitempty"`
	RecreateContext bool           `json:"recreateContext,omitempty"`
	Expr            bool           `json:"expr,omitempty"`
	Globals         map[string]any `json:"globals,omitempty"`
	TimeoutMs       *uint64        `json:"timeoutMs,omitempty"`
	Functions       []FunctionDef  `json:"functions,omitempty"`
	Modules         []CodeModule   `json:"modules,omitempty"`
	ReturnKeys      []string       `json:"returnKeys,omitempty"`
}

// Validate enforces §4.3 rule 1: expression mode disallows modules.
func (a RunScriptArgs) Validate() error {
	if a.Expr && len(a.Modules) > 0 {
		return fmt.Errorf("%w: expr mode does not support modules", ErrInvalidRunScriptArgs)
	}
	return nil
}

// Encode marshals a to the JSON body carried inside a RUN_SCRIPT frame.
func (a RunScriptArgs) Encode() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRunScriptArgs, err)
	}
	return body, nil
}

// RunResponseData is the JSON body of a RUN_RESPONSE frame.
type RunResponseData struct {
	Globals     map[string]any `json:"globals,omitempty"`
	ReturnValue any            `json:"returnValue,omitempty"`
}

// DecodeRunResponse parses a RUN_RESPONSE frame payload.
func DecodeRunResponse(payload []byte) (RunResponseData, error) {
	var resp RunResponseData
	if len(payload) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return RunResponseData{}, fmt.Errorf("%w: %v", ErrInvalidRunResponse, err)
	}
	if resp.Globals == nil {
		resp.Globals = map[string]any{}
	}
	return resp, nil
}

// ErrorPayload is the JSON body of an ERROR frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// DecodeErrorPayload parses an ERROR frame payload.
func DecodeErrorPayload(payload []byte) (ErrorPayload, error) {
	var e ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		return ErrorPayload{}, fmt.Errorf("wire: decode error payload: %w", err)
	}
	return e, nil
}

// LogPayload is the JSON body of a LOG frame. Message may be a plain string
// or a structured object, matching original_source's LogResponseData.data.
type LogPayload struct {
	Level   string `json:"level"`
	Message any    `json:"message"`
}

// DecodeLogPayload parses a LOG frame payload.
func DecodeLogPayload(payload []byte) (LogPayload, error) {
	var l LogPayload
	if err := json.Unmarshal(payload, &l); err != nil {
		return LogPayload{}, fmt.Errorf("wire: decode log payload: %w", err)
	}
	return l, nil
}
