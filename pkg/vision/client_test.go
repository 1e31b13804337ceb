package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates an sdkClient pointing at a local test server.
func newTestClient(baseURL string) *sdkClient {
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey("test-key"),
			option.WithBaseURL(baseURL),
		),
	}
}

func messageResponse(text string) map[string]any {
	return map[string]any{
		"id":   "msg_test_001",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "test-model",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  321,
			"output_tokens": 45,
		},
	}
}

func TestRecognize_SendsImageAndInstruction(t *testing.T) {
	imageData := []byte("fake-jpeg-bytes")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])

		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		content := msgs[0].(map[string]any)["content"].([]any)
		require.Len(t, content, 2)

		image := content[0].(map[string]any)
		assert.Equal(t, "image", image["type"])
		source := image["source"].(map[string]any)
		assert.Equal(t, "image/jpeg", source["media_type"])
		assert.Equal(t, base64.StdEncoding.EncodeToString(imageData), source["data"])

		text := content[1].(map[string]any)
		assert.Equal(t, "extract the fields", text["text"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse(`{"收款金额":"1.00"}`)) //nolint:errcheck
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	resp, err := client.Recognize(context.Background(), Request{
		Model:          "test-model",
		MaxTokens:      1024,
		Instruction:    "extract the fields",
		ImageMediaType: "image/jpeg",
		ImageData:      imageData,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"收款金额":"1.00"}`, resp.Text)
	assert.Equal(t, int64(321), resp.Usage.InputTokens)
	assert.Equal(t, int64(45), resp.Usage.OutputTokens)
}

func TestRecognize_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)
	_, err := client.Recognize(context.Background(), Request{
		Model:          "test-model",
		MaxTokens:      16,
		Instruction:    "x",
		ImageMediaType: "image/jpeg",
		ImageData:      []byte("img"),
	})
	require.Error(t, err)
}
