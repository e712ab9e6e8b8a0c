package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Compile-time check that Client implements Engine.
var _ Engine = (*Client)(nil)

// Client communicates with an OpenAI-compatible inference service over HTTP
// (DashScope compatible mode, Ollama's /v1 endpoint, or any hosted gateway).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL, e.g.
// "https://dashscope.aliyuncs.com/compatible-mode/v1". apiKey may be empty
// for local backends that do not authenticate.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 0, // per-call deadlines come from the caller's context
		},
	}
}

// chatRequest is the JSON body for POST /chat/completions.
type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

// jsonSchemaFormat wraps a Schema in the response_format envelope.
type jsonSchemaFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaBody `json:"json_schema"`
}

type jsonSchemaBody struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`
}

// chatResponse is the JSON returned by POST /chat/completions.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends messages to the given model and returns the assistant's response.
// When jsonSchema is non-nil, a structured response_format is requested.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.1,
	}
	if jsonSchema != nil {
		cr.ResponseFormat = jsonSchemaFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaBody{Name: "response", Schema: jsonSchema},
		}
	}

	var result chatResponse
	if err := c.post(ctx, "/chat/completions", cr, &result); err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat: response contained no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// embedRequest is the JSON body for POST /embeddings.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON returned by POST /embeddings.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || vecs[0] == nil {
		return nil, fmt.Errorf("embed: backend returned no vector")
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for multiple texts in one call.
// Results are index-aligned with the input; the backend's index field is
// honoured in case data arrives out of order.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result embedResponse
	if err := c.post(ctx, "/embeddings", embedRequest{Model: model, Input: texts}, &result); err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}

// IsRunning returns true if the backend responds to GET /models.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
