package everything

import "encoding/json"

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First number"`
	B float64 `json:"b" jsonschema:"description=Second number"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration"`
	Steps    float64 `json:"steps"`
}

// SampleLLMArgs is the arguments for the sampleLLM tool.
type SampleLLMArgs struct {
	Prompt    string  `json:"prompt" jsonschema:"description=The prompt to send to the LLM"`
	MaxTokens float64 `json:"maxTokens,omitempty" jsonschema:"default=100"`
}

// The longRunningOperation tool reads the progress token of its request, so it is not a typed tool
// and carries its schema by hand.
var longRunningOperationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "default": 10 },
    "steps": { "type": "number", "default": 5 }
  }
}`)

const mcpTinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
