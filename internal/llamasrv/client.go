// Package llamasrv binds Hearth to a llama-server subprocess. It owns the
// server's lifecycle (spawn, health-wait, teardown) and speaks its HTTP
// API: /completion for streaming generation, /tokenize, /props for
// modality discovery.
package llamasrv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MultimodalPrompt is the llama.cpp prompt shape carrying base64 media
// alongside text.
type MultimodalPrompt struct {
	PromptString   string   `json:"prompt_string"`
	MultimodalData []string `json:"multimodal_data,omitempty"`
}

// CompletionRequest is the body for the /completion endpoint.
type CompletionRequest struct {
	Prompt        any      `json:"prompt"` // string or MultimodalPrompt
	NPredict      int      `json:"n_predict,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	MinP          float64  `json:"min_p,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	RepeatLastN   int      `json:"repeat_last_n,omitempty"`
	Stream        bool     `json:"stream"`
	Stop          []string `json:"stop,omitempty"`
	CachePrompt   bool     `json:"cache_prompt"`
}

// StreamToken is a single SSE event from a streaming completion.
type StreamToken struct {
	Content  string `json:"content"`
	Stop     bool   `json:"stop"`
	StopType string `json:"stop_type,omitempty"`
}

// StreamCallback is called for each token received during streaming.
type StreamCallback func(StreamToken) error

// Client talks to one llama-server instance.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient constructs a client with the default request timeout.
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, 60*time.Second)
}

// NewClientWithTimeout constructs a client using the provided timeout for
// non-streaming HTTP requests.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health reports whether the server answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llamasrv: health returned status %d", resp.StatusCode)
	}
	return nil
}

// Tokenize converts text to token IDs using the loaded model's vocabulary.
func (c *Client) Tokenize(ctx context.Context, text string) ([]int32, error) {
	body, err := json.Marshal(map[string]any{"content": text})
	if err != nil {
		return nil, fmt.Errorf("llamasrv: failed to marshal tokenize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/tokenize", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("llamasrv: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llamasrv: tokenize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llamasrv: tokenize returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Tokens []int32 `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("llamasrv: failed to decode tokenize response: %w", err)
	}
	return parsed.Tokens, nil
}

// Props reports the server's model properties, including which media
// modalities the loaded projector accepts.
func (c *Client) Props(ctx context.Context) (vision, audio bool, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/props", nil)
	if err != nil {
		return false, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("llamasrv: props request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("llamasrv: props returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Modalities struct {
			Vision bool `json:"vision"`
			Audio  bool `json:"audio"`
		} `json:"modalities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, false, fmt.Errorf("llamasrv: failed to decode props response: %w", err)
	}
	return parsed.Modalities.Vision, parsed.Modalities.Audio, nil
}

// EraseSlot drops the server's KV cache for the given slot.
func (c *Client) EraseSlot(ctx context.Context, slot int) error {
	url := fmt.Sprintf("%s/slots/%d?action=erase", c.BaseURL, slot)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llamasrv: slot erase failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llamasrv: slot erase returned status %d", resp.StatusCode)
	}
	return nil
}

// GenerateStream performs a streaming completion request, calling cb for
// each token. It parses SSE (Server-Sent Events) from the llama.cpp server.
func (c *Client) GenerateStream(ctx context.Context, req CompletionRequest, cb StreamCallback) error {
	req.Stream = true

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("llamasrv: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/completion", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return fmt.Errorf("llamasrv: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// No client timeout while streaming: generation can take a while.
	// Cancellation rides on the request context instead.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llamasrv: failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llamasrv: server returned status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			jsonData := strings.TrimPrefix(line, "data: ")

			var token StreamToken
			if err := json.Unmarshal([]byte(jsonData), &token); err != nil {
				// Skip malformed events.
				continue
			}

			if err := cb(token); err != nil {
				return err
			}

			if token.Stop {
				return nil
			}
		}
	}

	return scanner.Err()
}
