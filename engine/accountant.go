package engine

import (
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/tool"
)

// accounting is the outcome of one pass over the final history.
type accounting struct {
	ToolCalls []ToolCallRecord
	Usage     core.TokenUsage
	Response  string
	Err       error
}

// account derives the tool-call records, the summed usage and the final
// response from a finished history. Tool results whose call does not name a
// tool in registry are skipped.
func account(messages []core.Message, registry *tool.Registry, jsonMode bool, schema map[string]any) accounting {
	acct := accounting{ToolCalls: []ToolCallRecord{}}

	calls := make(map[string]core.ToolCall)

	var last *core.Message

	for i := range messages {
		msg := messages[i]

		switch msg.Role {
		case core.RoleAI:
			acct.Usage.Add(msg.Usage)
			for _, c := range msg.ToolCalls {
				calls[c.ID] = c
			}
			last = &messages[i]
		case core.RoleTool:
			call, ok := calls[msg.ToolCallID]
			if !ok || !registry.Has(call.Name) {
				continue
			}
			acct.ToolCalls = append(acct.ToolCalls, ToolCallRecord{
				Tool:   call.Name,
				Input:  call.Args,
				Output: msg.Text(),
			})
		}
	}

	if last == nil {
		return acct
	}

	switch last.FinishReason {
	case core.FinishReasonContentFilter:
		acct.Err = core.NewSafetyError()
		return acct
	case core.FinishReasonLength:
		acct.Err = core.NewLengthError()
		return acct
	}

	response := last.Text()
	if !jsonMode {
		acct.Response = response
		return acct
	}

	cleaned, value, err := util.CleanJSON(response)
	if err != nil {
		acct.Err = &core.ParsingError{Msg: "structured output could not be parsed", Cause: err}
		return acct
	}

	if len(schema) > 0 {
		compiled, err := util.CompileSchema(schema)
		if err != nil {
			acct.Err = core.NewConfigurationError("", "invalid response schema: %v", err)
			return acct
		}
		if err := util.Validate(compiled, value); err != nil {
			acct.Err = &core.ParsingError{Msg: "structured output does not match the response schema", Cause: err}
			return acct
		}
	}

	acct.Response = cleaned

	return acct
}
