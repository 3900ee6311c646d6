package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cossistant/realtime/pkg/metrics"
)

// ErrEmptyOutput is returned when a model produced no usable structured
// output. The pipeline treats it like a provider failure and degrades.
var ErrEmptyOutput = errors.New("llm: empty or malformed structured output")

// IntentOutput is the classifier's structured result.
type IntentOutput struct {
	Intent     string `json:"intent"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
}

// DecisionOutput is the responder's structured result: what the agent
// decided to do with an inbound message it chose to act on.
type DecisionOutput struct {
	Action            string  `json:"action"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
	Reply             string  `json:"reply,omitempty"`
	EscalationReason  string  `json:"escalationReason,omitempty"`
	EscalationUrgency string  `json:"escalationUrgency,omitempty"`
	AssignUserID      string  `json:"assignUserId,omitempty"`
}

const classifySystem = `You are triaging a customer support conversation for an AI support agent.
Decide the agent's intent for the newest message. Respond with only a JSON object:
{"intent": "respond" | "observe" | "assist_team", "reasoning": "<short>", "confidence": "low" | "medium" | "high"}`

const decideSystem = `You are an AI support agent acting on a customer conversation.
Pick exactly one action for the newest message. Respond with only a JSON object:
{"action": "respond" | "escalate" | "resolve" | "mark_spam" | "skip",
 "reasoning": "<short>", "confidence": <0..1>, "reply": "<message to the visitor, if action is respond>",
 "escalationReason": "<required if action is escalate>", "escalationUrgency": "low" | "medium" | "high",
 "assignUserId": "<id of the teammate to hand the conversation to, only if one is named in the conversation>"}`

// StructuredClient turns plain completions into schema-shaped decision
// objects. It is swappable between model ids without changing call shape;
// the provider is inferred from the model id.
type StructuredClient struct {
	clients map[Provider]Client
}

// NewStructuredClient builds a structured client over the available
// providers; nil entries are allowed and resolved around.
func NewStructuredClient(anthropicClient, openaiClient Client) *StructuredClient {
	clients := make(map[Provider]Client)
	if anthropicClient != nil {
		clients[ProviderAnthropic] = anthropicClient
	}
	if openaiClient != nil {
		clients[ProviderOpenAI] = openaiClient
	}
	return &StructuredClient{clients: clients}
}

func (s *StructuredClient) resolve(model string) (Client, error) {
	if c, ok := s.clients[ProviderForModel(model)]; ok {
		return c, nil
	}
	// Fall back to whichever provider is configured.
	for _, c := range s.clients {
		return c, nil
	}
	return nil, errors.New("llm: no provider configured")
}

// ClassifyIntent runs the smart-decision classifier against one model.
func (s *StructuredClient) ClassifyIntent(ctx context.Context, model string, history []ChatMessage) (*IntentOutput, error) {
	content, err := s.complete(ctx, model, classifySystem, history)
	if err != nil {
		return nil, err
	}
	var out IntentOutput
	if err := decodeJSONObject(content, &out); err != nil {
		return nil, err
	}
	if out.Intent == "" {
		return nil, ErrEmptyOutput
	}
	return &out, nil
}

// GenerateDecision runs the acting-agent decision call against one model.
func (s *StructuredClient) GenerateDecision(ctx context.Context, model string, history []ChatMessage) (*DecisionOutput, error) {
	content, err := s.complete(ctx, model, decideSystem, history)
	if err != nil {
		return nil, err
	}
	var out DecisionOutput
	if err := decodeJSONObject(content, &out); err != nil {
		return nil, err
	}
	if out.Action == "" {
		return nil, ErrEmptyOutput
	}
	return &out, nil
}

const sentimentSystem = `Classify the visitor's overall sentiment in this support conversation.
Respond with only a JSON object: {"sentiment": "positive" | "neutral" | "negative"}`

const titleSystem = `Write a short title (at most 8 words) summarizing this support conversation.
Respond with only a JSON object: {"title": "<title>"}`

const categorizeSystem = `Pick the single best category label for this support conversation, such as
"billing", "bug_report", "feature_request", "account", or "general".
Respond with only a JSON object: {"category": "<label>"}`

// AnalyzeSentiment classifies conversation sentiment for post-run analysis.
func (s *StructuredClient) AnalyzeSentiment(ctx context.Context, model string, history []ChatMessage) (string, error) {
	return s.completeField(ctx, model, sentimentSystem, history, "sentiment")
}

// GenerateTitle produces a short conversation title.
func (s *StructuredClient) GenerateTitle(ctx context.Context, model string, history []ChatMessage) (string, error) {
	return s.completeField(ctx, model, titleSystem, history, "title")
}

// SuggestCategory picks a category label for dashboard views.
func (s *StructuredClient) SuggestCategory(ctx context.Context, model string, history []ChatMessage) (string, error) {
	return s.completeField(ctx, model, categorizeSystem, history, "category")
}

func (s *StructuredClient) completeField(ctx context.Context, model, system string, history []ChatMessage, field string) (string, error) {
	content, err := s.complete(ctx, model, system, history)
	if err != nil {
		return "", err
	}
	var out map[string]string
	if err := decodeJSONObject(content, &out); err != nil {
		return "", err
	}
	if out[field] == "" {
		return "", ErrEmptyOutput
	}
	return out[field], nil
}

func (s *StructuredClient) complete(ctx context.Context, model, system string, history []ChatMessage) (string, error) {
	client, err := s.resolve(model)
	if err != nil {
		return "", err
	}
	resp, err := client.Complete(ctx, &CompletionRequest{
		Model:    model,
		System:   system,
		Messages: history,
	})
	if err != nil {
		metrics.RecordModelCall(model, "error")
		return "", err
	}
	metrics.RecordModelCall(model, "success")
	return resp.Content, nil
}

// decodeJSONObject extracts the first JSON object from a completion; models
// occasionally wrap it in prose or fences.
func decodeJSONObject(content string, v any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ErrEmptyOutput
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyOutput, err)
	}
	return nil
}
