package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiModel   = "gemini-2.0-flash"
	geminiAPIBase        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiTimeout = 30 * time.Second
)

// Gemini implements Generator against the generateContent REST API.
type Gemini struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// NewGemini creates a Gemini generator.
func NewGemini(apiKey string, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		apiKey:       apiKey,
		baseURL:      geminiAPIBase,
		defaultModel: defaultGeminiModel,
		client:       &http.Client{Timeout: defaultGeminiTimeout},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type GeminiOption func(*Gemini)

func WithGeminiModel(model string) GeminiOption {
	return func(g *Gemini) {
		if model != "" {
			g.defaultModel = model
		}
	}
}

func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(g *Gemini) {
		if baseURL != "" {
			g.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithGeminiHTTPClient(client *http.Client) GeminiOption {
	return func(g *Gemini) {
		if client != nil {
			g.client = client
		}
	}
}

func WithGeminiRetryConfig(cfg RetryConfig) GeminiOption {
	return func(g *Gemini) { g.retryConfig = cfg }
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Config.Model
	if model == "" {
		model = g.defaultModel
	}
	body := g.buildRequestBody(req)

	return RetryDo(ctx, g.retryConfig, func() (*Response, error) {
		respBody, err := g.doRequest(ctx, model, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp geminiResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("gemini: decode response: %w", err)
		}
		return g.parseResponse(&resp)
	})
}

func (g *Gemini) buildRequestBody(req Request) map[string]any {
	contents := make([]map[string]any, 0, 3)
	if req.History != "" {
		contents = append(contents, map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": req.History}},
		})
	}

	// Tool round-trip: replay the model's calls, then answer each with
	// a functionResponse part.
	if len(req.ToolResults) > 0 {
		callParts := make([]map[string]any, 0, len(req.ToolResults))
		responseParts := make([]map[string]any, 0, len(req.ToolResults))
		for _, tr := range req.ToolResults {
			callParts = append(callParts, map[string]any{
				"functionCall": map[string]any{
					"name": tr.Call.Name,
					"args": emptyArgs(tr.Call.Arguments),
				},
			})
			responseParts = append(responseParts, map[string]any{
				"functionResponse": map[string]any{
					"name":     tr.Call.Name,
					"response": emptyArgs(tr.Response),
				},
			})
		}
		contents = append(contents,
			map[string]any{"role": "model", "parts": callParts},
			map[string]any{"role": "user", "parts": responseParts},
		)
	}

	body := map[string]any{"contents": contents}

	if req.SystemInstruction != "" {
		body["system_instruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.SystemInstruction}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if len(t.Parameters) > 0 {
				decl["parameters"] = t.Parameters
			}
			decls = append(decls, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	genCfg := map[string]any{}
	if req.Config.MaxOutputTokens > 0 {
		genCfg["maxOutputTokens"] = req.Config.MaxOutputTokens
	}
	if req.Config.TopP > 0 {
		genCfg["topP"] = req.Config.TopP
	}
	if req.Config.TopK > 0 {
		genCfg["topK"] = req.Config.TopK
	}
	// Temperature 0 is a deliberate setting; send it whenever any
	// sampling knob is configured.
	if req.Config.Temperature > 0 || len(genCfg) > 0 {
		genCfg["temperature"] = req.Config.Temperature
	}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}

	return body
}

func (g *Gemini) doRequest(ctx context.Context, model string, body map[string]any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("gemini: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (g *Gemini) parseResponse(resp *geminiResponse) (*Response, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("gemini: prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("gemini: empty response")
	}

	result := &Response{}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	result.Text = text.String()
	return result, nil
}

// emptyArgs keeps functionCall/functionResponse payloads as objects;
// the API rejects JSON null there.
func emptyArgs(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
}
