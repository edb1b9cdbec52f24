package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/llm"
	"wayfinder/pkg/llm/llmerrors"
	"wayfinder/pkg/logx"
	"wayfinder/pkg/metrics"
	"wayfinder/pkg/trajectory"
	"wayfinder/pkg/utils"
	"wayfinder/pkg/workspace"
)

// actionSource produces the next request for the active state. The driver
// executes the request and records the transaction; sources only say what
// the action is and what it cost.
type actionSource interface {
	next(ctx context.Context, state agent.AgenticState, node *trajectory.Transition) (*sourcedAction, error)
}

// sourcedAction is one obtained action. Usage and completion are nil for
// replayed actions, which never touch a model.
type sourcedAction struct {
	request    *agent.Request
	usage      *agent.Usage
	completion map[string]any
}

// replaySource feeds pre-recorded requests in order. Once the resume marker
// is reached the source goes inactive for the rest of the run, so a
// trajectory can replay its verified prefix and continue live from there.
type replaySource struct {
	queue    []*agent.Request
	index    int
	resumeAt string
	resumed  bool
}

// active reports whether the next action should come from the queue.
func (r *replaySource) active(stateName string) bool {
	if r == nil || r.resumed {
		return false
	}
	if r.resumeAt != "" && stateName == r.resumeAt {
		r.resumed = true
		return false
	}
	return r.index < len(r.queue)
}

func (r *replaySource) next(_ context.Context, _ agent.AgenticState, _ *trajectory.Transition) (*sourcedAction, error) {
	if r.index >= len(r.queue) {
		return nil, errors.New("replay queue exhausted")
	}
	request := r.queue[r.index]
	r.index++
	return &sourcedAction{request: request}, nil
}

// liveSource obtains actions from a completion client: it renders the
// state's prompt and tool set, appends the retry history, calls the model
// and parses the tool call into a typed request. The single Complete call
// is the engine's only suspension point.
type liveSource struct {
	client         llm.Client
	counter        *utils.TokenCounter
	maxTokens      int
	ws             *workspace.Workspace
	initialMessage string
	instance       string
	metrics        metrics.Recorder
	logger         *logx.Logger
}

func (s *liveSource) next(ctx context.Context, state agent.AgenticState, node *trajectory.Transition) (*sourcedAction, error) {
	messages := s.buildMessages(state, node)

	req := llm.NewCompletionRequest(s.client.ModelName(), messages)
	req.Tools = state.Tools()
	req.ToolChoice = "any"

	resp, err := s.complete(ctx, req, state.Name())
	if err != nil {
		return nil, err
	}

	request := s.parse(state, resp)
	usage := &agent.Usage{
		CompletionCost:   resp.Usage.Cost,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return &sourcedAction{
		request:    request,
		usage:      usage,
		completion: completionMeta(req, resp, messages),
	}, nil
}

// buildMessages renders the conversation for one completion: the state's
// system prompt, its workspace prompt, then one assistant/user pair per
// prior action on this state so the model sees what it already tried and
// why it was sent back.
func (s *liveSource) buildMessages(state agent.AgenticState, node *trajectory.Transition) []llm.Message {
	messages := []llm.Message{
		llm.NewSystemMessage(state.SystemPrompt()),
		llm.NewUserMessage(state.Prompt(s.initialMessage, s.ws)),
	}
	for _, action := range node.Actions {
		messages = append(messages, llm.NewAssistantMessage(action.Request.Summary()))
		feedback := "Continue."
		if action.Response.IsRetry() && action.Response.RetryMessage != "" {
			feedback = action.Response.RetryMessage
		}
		messages = append(messages, llm.NewUserMessage(feedback))
	}
	return s.trim(messages)
}

// trim drops the oldest history pairs until the conversation fits the token
// budget. The system prompt and the state prompt always stay.
func (s *liveSource) trim(messages []llm.Message) []llm.Message {
	if s.maxTokens <= 0 {
		return messages
	}
	total := 0
	for _, message := range messages {
		total += s.counter.CountTokens(message.Content)
	}
	for total > s.maxTokens && len(messages) >= 4 {
		total -= s.counter.CountTokens(messages[2].Content)
		total -= s.counter.CountTokens(messages[3].Content)
		messages = append(messages[:2], messages[4:]...)
	}
	return messages
}

// parse converts the completion into a typed request. A tool call that the
// state cannot parse is recorded as an empty content request: every state
// answers that with a retry, live and during replay alike, so the recorded
// trajectory stays deterministic.
func (s *liveSource) parse(state agent.AgenticState, resp llm.CompletionResponse) *agent.Request {
	if len(resp.ToolCalls) == 0 {
		return agent.NewContentRequest(&agent.ContentRequest{Content: resp.Content})
	}
	call := resp.ToolCalls[0]
	if len(resp.ToolCalls) > 1 {
		s.logger.Warn("state %s returned %d tool calls, keeping %s", state.Name(), len(resp.ToolCalls), call.Name)
	}
	request, err := state.ParseToolCall(call)
	if err != nil {
		s.logger.Warn("state %s: unparseable tool call %s: %v", state.Name(), call.Name, err)
		return agent.NewContentRequest(&agent.ContentRequest{})
	}
	return request
}

// complete performs the model call with per-error-type retries. Transient
// failures back off and try again; auth and prompt errors propagate
// immediately and fail the trajectory.
func (s *liveSource) complete(ctx context.Context, req llm.CompletionRequest, stateName string) (llm.CompletionResponse, error) {
	attempt := 0
	for {
		start := time.Now()
		resp, err := s.client.Complete(ctx, req)
		duration := time.Since(start)

		if err == nil && len(resp.ToolCalls) == 0 && strings.TrimSpace(resp.Content) == "" {
			err = llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "completion returned no content")
		}
		if err == nil {
			s.metrics.ObserveRequest(req.Model, s.instance, stateName,
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.Cost,
				true, "", duration)
			return resp, nil
		}

		classified := llmerrors.Classify(err)
		s.metrics.ObserveRequest(req.Model, s.instance, stateName, 0, 0, 0,
			false, classified.Type.String(), duration)

		config := classified.GetRetryConfig()
		if !classified.IsRetryable() || attempt >= config.MaxRetries {
			s.logFailedPrompt(req, classified, stateName)
			return llm.CompletionResponse{}, fmt.Errorf("completion in %s failed after %d attempts: %w",
				stateName, attempt+1, classified)
		}
		if classified.Type == llmerrors.ErrorTypeRateLimit {
			s.metrics.IncThrottle(req.Model, classified.Type.String())
		}

		delay := retryDelay(config, attempt)
		s.logger.Warn("completion in %s failed (%s), retry %d/%d in %s: %v",
			stateName, classified.Type, attempt+1, config.MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			return llm.CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// logFailedPrompt records the prompt of a completion that failed for good,
// sanitized, so bad-prompt failures can be diagnosed from the logs alone.
func (s *liveSource) logFailedPrompt(req llm.CompletionRequest, classified *llmerrors.Error, stateName string) {
	var prompt strings.Builder
	for _, message := range req.Messages {
		prompt.WriteString(string(message.Role))
		prompt.WriteString(": ")
		prompt.WriteString(message.Content)
		prompt.WriteString("\n")
	}
	s.logger.Warn("completion in %s gave up (%s), prompt: %s",
		stateName, classified.Type, llmerrors.SanitizePrompt(prompt.String(), 2000))
}

// retryDelay computes the exponential backoff delay for an attempt.
func retryDelay(config llmerrors.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter && delay > 0 {
		jitterFactor := 2*time.Now().UnixNano()%2 - 1 // -1 or 1
		delay += time.Duration(float64(delay) * 0.1 * float64(jitterFactor))
		if delay < 0 {
			delay = config.InitialDelay
		}
	}
	return delay
}

// completionMeta captures the raw exchange for audit. The engine never
// reads it back; it exists so a persisted trajectory shows exactly what the
// model was asked and how it answered.
func completionMeta(req llm.CompletionRequest, resp llm.CompletionResponse, messages []llm.Message) map[string]any {
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	response := map[string]any{}
	if resp.StopReason != "" {
		response["stop_reason"] = resp.StopReason
	}
	if resp.Content != "" {
		response["content"] = resp.Content
	}
	if len(resp.ToolCalls) > 0 {
		response["tool"] = resp.ToolCalls[0].Name
		response["parameters"] = resp.ToolCalls[0].Parameters
	}
	return map[string]any{
		"model":    model,
		"input":    messages,
		"response": response,
	}
}
