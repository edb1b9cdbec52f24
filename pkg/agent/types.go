package agent

// TriggerRetry is the reserved trigger a state returns when the model's
// action could not be executed and should be re-requested. It is never
// routed through transition rules.
const TriggerRetry = "retry"

// Response is the outcome of executing one request. A non-empty Trigger
// asks the driver to route; TriggerRetry asks for another attempt with
// RetryMessage as feedback; an empty Trigger keeps the current state and
// only records Output.
type Response struct {
	Trigger      string         `json:"trigger,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	RetryMessage string         `json:"retry_message,omitempty"`
}

// Retry creates a response asking for another attempt.
func Retry(retryMessage string) *Response {
	return &Response{Trigger: TriggerRetry, RetryMessage: retryMessage}
}

// Transition creates a response routing through the rules. Output becomes
// the next state's properties.
func Transition(trigger string, output map[string]any) *Response {
	if output == nil {
		output = map[string]any{}
	}
	return &Response{Trigger: trigger, Output: output}
}

// NoTransition creates a response that records output and stays in the
// current state.
func NoTransition(output map[string]any) *Response {
	return &Response{Output: output}
}

// IsRetry reports whether the response asks for another attempt.
func (r *Response) IsRetry() bool {
	return r != nil && r.Trigger == TriggerRetry
}

// Usage accumulates model spend. Field names match the persisted
// trajectory format.
type Usage struct {
	CompletionCost   float64 `json:"completion_cost"`
	CompletionTokens int     `json:"completion_tokens"`
	PromptTokens     int     `json:"prompt_tokens"`
}

// Add accumulates another usage into this one.
func (u *Usage) Add(other Usage) {
	u.CompletionCost += other.CompletionCost
	u.CompletionTokens += other.CompletionTokens
	u.PromptTokens += other.PromptTokens
}

// Transaction is one recorded action: the request the model produced, the
// response the state computed, and what the model call cost. Replay feeds
// recorded requests back through Execute, so responses and usage are
// optional on the wire but always present for executed actions.
// Completion holds raw exchange metadata (model, input messages) for audit;
// the engine never reads it.
type Transaction struct {
	Request    *Request       `json:"request"`
	Response   *Response      `json:"response,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Completion map[string]any `json:"completion,omitempty"`
}
