// Package anthropic adapts the Anthropic SDK to the llm.Provider contract,
// either against the direct API or AWS Bedrock.
package anthropic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/agora/internal/config"
	"github.com/ShayCichocki/agora/internal/llm"
)

// ProviderName is the llms.json provider value served by this package.
const ProviderName = "anthropic"

// DefaultMaxTokens is used when neither the request nor the config sets one.
const DefaultMaxTokens = 8192

// Config contains configuration for creating a Provider.
type Config struct {
	// Model is the Claude model to use.
	Model string
	// APIKey is the Anthropic API key. Required unless UseBedrock is set.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock.
	UseBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens caps the response length.
	MaxTokens int
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Provider implements llm.Provider with token tracking.
type Provider struct {
	inner     sdk.Client
	model     sdk.Model
	maxTokens int64
	tracker   *TokenTracker
}

// New creates a provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, config.ErrNoAPIKey
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := sdk.Model(cfg.Model)
	if model == "" {
		model = sdk.ModelClaudeSonnet4_5_20250929
	}
	if cfg.UseBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Provider{
		inner:     sdk.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		tracker:   NewTokenTracker(),
	}, nil
}

// Factory returns an llm.Factory that builds providers from llms.json
// configurations, resolving credentials against the runtime config.
func Factory(ctx context.Context, appCfg *config.Config) llm.Factory {
	return func(c llm.Configuration, settings *llm.Settings) (llm.Provider, error) {
		pc := Config{Model: c.Model, MaxTokens: c.MaxTokens}
		if appCfg != nil && appCfg.Anthropic.UseBedrock {
			pc.UseBedrock = true
			pc.AWSRegion = appCfg.Anthropic.AWSRegion
			pc.AWSProfile = appCfg.Anthropic.AWSProfile
		} else {
			key, _, err := config.ResolveAPIKey(ProviderName, settings.APIKey(ProviderName), appCfg)
			if err != nil {
				return nil, err
			}
			pc.APIKey = key
		}
		return New(ctx, pc)
	}
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return string(p.model)
}

// Tracker returns the token tracker for this provider.
func (p *Provider) Tracker() *TokenTracker {
	return p.tracker
}

// Complete sends one message request.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := p.params(req)
	msg, err := p.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	resp := fromMessage(msg)
	p.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (p *Provider) params(req llm.Request) sdk.MessageNewParams {
	model := p.model
	if req.Model != "" {
		model = sdk.Model(req.Model)
		if strings.HasPrefix(string(p.model), "us.anthropic") {
			model = translateModelForBedrock(model)
		}
	}
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := sdk.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  toMessages(req.Messages),
		Tools:     toTools(req.Tools),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params
}

func toMessages(msgs []llm.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []sdk.ContentBlockParamUnion
		if m.Role == llm.RoleAssistant {
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
			continue
		}

		for _, tr := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		if len(blocks) > 0 {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

func toTools(tools []llm.Tool) []sdk.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				InputSchema: sdk.ToolInputSchemaParam{
					Properties: t.Properties,
					Required:   t.Required,
				},
			},
		})
	}
	return out
}

func fromMessage(msg *sdk.Message) *llm.Response {
	resp := &llm.Response{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: llm.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	var text, reasoning strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case sdk.TextBlock:
			text.WriteString(variant.Text)
		case sdk.ThinkingBlock:
			reasoning.WriteString(variant.Thinking)
		case sdk.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: variant.Input,
			})
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	return resp
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
// Bedrock uses cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model sdk.Model) sdk.Model {
	if strings.HasPrefix(string(model), "us.anthropic.") {
		return model
	}
	bedrockModels := map[sdk.Model]string{
		sdk.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		sdk.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		sdk.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		sdk.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		sdk.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return sdk.Model(bedrockModel)
	}
	return model
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var _ llm.Provider = (*Provider)(nil)
