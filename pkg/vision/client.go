// Package vision wraps the recognition service behind a narrow client
// interface: one image in, one free-text response out.
package vision

import (
	"context"
	"encoding/base64"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the recognition operations used by the enrichment adapter.
type Client interface {
	Recognize(ctx context.Context, req Request) (*Response, error)
}

// Request carries one image plus the extraction instruction.
type Request struct {
	Model          string
	MaxTokens      int64
	Instruction    string
	ImageMediaType string // "image/jpeg" or "image/png"
	ImageData      []byte
}

// Response is the service's free-text answer.
type Response struct {
	Text  string
	Usage TokenUsage
}

// TokenUsage tracks token consumption for cost attribution.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// LogCost logs token usage with structured zap fields.
func (u TokenUsage) LogCost(model string) {
	zap.L().Debug("recognition cost attribution",
		zap.String("model", model),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
	)
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a recognition client backed by the SDK.
func NewClient(apiKey string) Client {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
	}
}

func (c *sdkClient) Recognize(ctx context.Context, req Request) (*Response, error) {
	encoded := base64.StdEncoding.EncodeToString(req.ImageData)

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64(req.ImageMediaType, encoded),
				sdk.NewTextBlock(req.Instruction),
			),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "vision: recognize")
	}

	var text string
	for _, block := range msg.Content {
		if block.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}

	return &Response{
		Text: text,
		Usage: TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}
