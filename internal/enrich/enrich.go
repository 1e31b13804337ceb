package enrich

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ledgerline/remitscan/internal/model"
	"github.com/ledgerline/remitscan/internal/resilience"
	"github.com/ledgerline/remitscan/pkg/vision"
)

// prompt asks for exactly the four labels printed on transfer receipts.
const prompt = `这是一张银行转账回单截图。请从图片中提取以下四个字段，并只输出一个JSON对象，不要输出任何其他文字：
{"交易时间": "", "付款户名": "", "收款户名": "", "收款金额": ""}
图片中缺失的字段请留空字符串。`

// Enricher turns receipt images into structured field sets by calling
// the vision model. Calls are rate limited and retried on transient
// transport failures; unparseable output surfaces as *ParseError.
type Enricher struct {
	client    vision.Client
	limiter   *rate.Limiter
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
}

type Option func(*Enricher)

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Enricher) { e.retry = cfg }
}

func WithRateLimit(requestsPerMin float64) Option {
	return func(e *Enricher) {
		if requestsPerMin > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(requestsPerMin/60.0), 1)
		}
	}
}

func New(client vision.Client, modelName string, maxTokens int64, opts ...Option) *Enricher {
	e := &Enricher{
		client:    client,
		model:     modelName,
		maxTokens: maxTokens,
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recognize extracts the receipt fields from one image. Transport
// failures after retries come back wrapped as transient errors so the
// caller can leave the item eligible for a later pass.
func (e *Enricher) Recognize(ctx context.Context, filename string, data []byte) (model.Fields, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return model.Fields{}, eris.Wrap(err, "enrich: rate limit wait")
		}
	}

	req := vision.Request{
		Model:          e.model,
		MaxTokens:      e.maxTokens,
		Instruction:    prompt,
		ImageMediaType: MediaType(filename),
		ImageData:      data,
	}

	resp, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*vision.Response, error) {
		resp, err := e.client.Recognize(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		return model.Fields{}, eris.Wrap(err, "enrich: recognize")
	}

	resp.Usage.LogCost(e.model)

	fields, err := ParseFields(resp.Text)
	if err != nil {
		zap.L().Warn("model output did not parse",
			zap.String("file", filename),
			zap.String("raw", truncate(resp.Text, 200)))
		return model.Fields{}, err
	}
	return fields, nil
}

// classify maps API errors onto the transient taxonomy so the retry
// loop only re-attempts transport-level failures.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return err
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

// MediaType maps an image filename to its MIME type. Defaults to JPEG,
// matching the attachment filter upstream.
func MediaType(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
