package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-1.5-flash"
)

// Document is one OCR submission handed to the delegate.
type Document struct {
	Data         []byte
	MimeType     string
	Language     string
	DocumentType string
}

// Result is the delegate's output. Structured is set when the model answered
// with valid JSON; Text always carries the value persisted on the job record.
type Result struct {
	Text       string
	Structured json.RawMessage
}

// GeminiClient calls the Google AI Studio (Gemini) API for document OCR.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient constructs a client with the provided API key.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model = normalizeModel(model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultGeminiBaseURL,
		// The per-request context carries the pipeline deadline; this is a
		// transport-level backstop only.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// ExtractDocument performs OCR on the document bytes and returns the
// structured-or-raw text result.
func (c *GeminiClient) ExtractDocument(ctx context.Context, doc Document) (Result, error) {
	reqBody := generateRequest{
		Contents: []content{
			{
				Parts: []part{
					{InlineData: &inlineData{
						Data:     base64.StdEncoding.EncodeToString(doc.Data),
						MimeType: doc.MimeType,
					}},
					{Text: BuildPrompt(doc.DocumentType, doc.Language)},
				},
			},
		},
		GenerationConfig: &generationConfig{
			Temperature:      0.1,
			TopK:             1,
			TopP:             1,
			MaxOutputTokens:  2048,
			ResponseMimeType: "application/json",
		},
		SafetySettings: permissiveSafetySettings(),
	}
	var resp generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	if err := c.doJSON(ctx, url, reqBody, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, fmt.Errorf("empty response from gemini")
	}
	return normalizeResult(resp.Candidates[0].Content.Parts[0].Text), nil
}

// normalizeResult re-indents JSON answers; anything else passes through raw.
func normalizeResult(text string) Result {
	raw := strings.TrimSpace(text)
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Result{Text: text}
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return Result{Text: text}
	}
	return Result{Text: string(pretty), Structured: json.RawMessage(raw)}
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}

func permissiveSafetySettings() []safetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]safetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, safetySetting{Category: category, Threshold: "BLOCK_NONE"})
	}
	return settings
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("gemini api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("gemini api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

type inlineData struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopK             int     `json:"topK"`
	TopP             float64 `json:"topP"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []safetySetting   `json:"safetySettings,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
