package agent

import (
	"encoding/json"

	"github.com/BaSui01/cataloger/llm"
)

// Tool names the model may invoke. The dispatch is a closed set: any
// other name is a malformed invocation fed back to the model.
const (
	ToolExecuteCode  = "execute_code"
	ToolSubmitReport = "submit_report"
)

type executeArgs struct {
	Code string `json:"code"`
}

type submitArgs struct {
	Content string `json:"content"`
}

// ToolSchemas returns the two tool definitions sent with every model
// request: the code-execution tool bound to the runtime and the
// terminal submit tool.
func ToolSchemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name: ToolExecuteCode,
			Description: "Execute Python code in a persistent sandboxed interpreter. " +
				"Variables, imports and open connections persist across calls. " +
				"Output is combined stdout and stderr, including tracebacks on failure.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {
						"type": "string",
						"description": "Python code to execute in the persistent session"
					}
				},
				"required": ["code"]
			}`),
		},
		{
			Name: ToolSubmitReport,
			Description: "Submit the final HTML report and end the task. " +
				"Call this exactly once, when the report is complete.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {
						"type": "string",
						"description": "Complete HTML document to submit as the final artifact"
					}
				},
				"required": ["content"]
			}`),
		},
	}
}
