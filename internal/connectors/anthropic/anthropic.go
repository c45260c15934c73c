// Package anthropic implements connectors.Reasoner on the Anthropic
// Messages API, either directly or through AWS Bedrock.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
)

const serviceName = "reasoner"

const defaultMaxTokens = 4096

const jsonInstruction = "Respond with a single JSON object and nothing else."

// Config configures the adapter.
type Config struct {
	// Model is the Claude model id. Defaults to Sonnet 4.
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// MaxRetries is the SDK's own retry count. Zero leaves retries to the supervisor.
	MaxRetries int
	MaxTokens  int
}

// Client implements connectors.Reasoner.
type Client struct {
	inner     sdk.Client
	model     sdk.Model
	maxTokens int

	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// New creates a reasoning client.
func New(ctx context.Context, cfg Config) (*Client, error) {
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
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))

	model := sdk.Model(cfg.Model)
	if model == "" {
		model = sdk.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		inner:     sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// bedrockModel maps API model names to Bedrock cross-region inference profiles.
func bedrockModel(model sdk.Model) sdk.Model {
	profiles := map[sdk.Model]string{
		sdk.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		sdk.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		sdk.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		sdk.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return sdk.Model(p)
	}
	return model
}

// Complete sends one prompt to the model.
func (c *Client) Complete(ctx context.Context, prompt string, cons connectors.Constraints) (*connectors.Completion, error) {
	system := cons.System
	if cons.Format == connectors.FormatJSON {
		if system != "" {
			system += "\n\n"
		}
		system += jsonInstruction
	}

	maxTokens := cons.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	c.track(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var sb strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(sdk.TextBlock); ok {
			sb.WriteString(variant.Text)
		}
	}

	out := &connectors.Completion{Text: sb.String()}
	if cons.Format == connectors.FormatJSON {
		raw := connectors.ExtractJSON(out.Text)
		if raw == "" {
			return nil, failure.NewServiceError(serviceName, failure.CodeMalformed,
				fmt.Errorf("%s reply: %w", cons.Purpose, connectors.ErrNoStructuredReply))
		}
		out.Structured = []byte(raw)
	}
	return out, nil
}

func (c *Client) track(in, out int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputTok += in
	c.outputTok += out
	c.calls++
}

// Usage returns total input tokens, output tokens and call count.
func (c *Client) Usage() (input, output int64, calls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputTok, c.outputTok, c.calls
}

// classify maps SDK and transport errors onto failure codes.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return failure.NewServiceError(serviceName, codeForStatus(apiErr.StatusCode), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Deadline expiry and network errors are retried.
	return failure.NewServiceError(serviceName, failure.CodeTimeout, err)
}

func codeForStatus(status int) failure.Code {
	switch {
	case status == http.StatusTooManyRequests:
		return failure.CodeRateLimit
	case status == http.StatusRequestTimeout, status >= 500:
		return failure.CodeTimeout
	case status >= 400:
		return failure.CodeInvalidRequest
	default:
		return failure.CodeTimeout
	}
}
