package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildPromptCatalog(t *testing.T) {
	cases := []struct {
		documentType string
		want         string
	}{
		{"invoice", "invoice_number"},
		{"Invoice", "invoice_number"},
		{"credit note", "credit_note_number"},
		{"receipt", "merchant_name"},
		{"delivery note", "delivery_note_number"},
		{"general", "document_type"},
		{"", "document_type"},
		{"something else", "document_type"},
	}
	for _, tc := range cases {
		prompt := BuildPrompt(tc.documentType, "")
		if !strings.Contains(prompt, tc.want) {
			t.Fatalf("prompt for %q missing %q", tc.documentType, tc.want)
		}
		if !strings.Contains(prompt, "Language hint: eng.") {
			t.Fatalf("prompt for %q missing default language hint", tc.documentType)
		}
		if !strings.Contains(prompt, "Respond strictly in JSON format.") {
			t.Fatalf("prompt for %q missing JSON format hint", tc.documentType)
		}
	}
	if prompt := BuildPrompt("invoice", "deu"); !strings.Contains(prompt, "Language hint: deu.") {
		t.Fatalf("language hint not forwarded: %q", prompt)
	}
}

func TestNormalizeResult(t *testing.T) {
	res := normalizeResult(`{"document_type":"invoice","full_text":"hello"}`)
	if res.Structured == nil {
		t.Fatalf("expected structured payload for valid JSON")
	}
	if !strings.Contains(res.Text, "\n") || !strings.Contains(res.Text, `"document_type"`) {
		t.Fatalf("expected re-indented JSON text, got %q", res.Text)
	}

	raw := "plain text, not json"
	res = normalizeResult(raw)
	if res.Structured != nil {
		t.Fatalf("expected no structured payload for plain text")
	}
	if res.Text != raw {
		t.Fatalf("plain text must pass through unchanged, got %q", res.Text)
	}
}

func TestExtractDocument(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-flash:generateContent") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{
					{"text": `{"document_type":"receipt","full_text":"total 19.99"}`},
				}}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("test-key", "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.baseURL = srv.URL

	result, err := client.ExtractDocument(context.Background(), Document{
		Data:         []byte("image bytes"),
		MimeType:     "image/png",
		Language:     "eng",
		DocumentType: "receipt",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Structured == nil {
		t.Fatalf("expected structured result")
	}
	if !strings.Contains(result.Text, "total 19.99") {
		t.Fatalf("unexpected result text: %q", result.Text)
	}

	if len(captured.Contents) != 1 || len(captured.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request shape: %+v", captured)
	}
	inline := captured.Contents[0].Parts[0].InlineData
	if inline == nil || inline.MimeType != "image/png" {
		t.Fatalf("expected inline image part, got %+v", inline)
	}
	if decoded, err := base64.StdEncoding.DecodeString(inline.Data); err != nil || string(decoded) != "image bytes" {
		t.Fatalf("inline data roundtrip failed: %v", err)
	}
	if !strings.Contains(captured.Contents[0].Parts[1].Text, "merchant_name") {
		t.Fatalf("expected receipt prompt in text part")
	}
	cfg := captured.GenerationConfig
	if cfg == nil || cfg.Temperature != 0.1 || cfg.TopK != 1 || cfg.MaxOutputTokens != 2048 || cfg.ResponseMimeType != "application/json" {
		t.Fatalf("unexpected generation config: %+v", cfg)
	}
	if len(captured.SafetySettings) != 4 {
		t.Fatalf("expected 4 safety settings, got %d", len(captured.SafetySettings))
	}
	for _, setting := range captured.SafetySettings {
		if setting.Threshold != "BLOCK_NONE" {
			t.Fatalf("expected BLOCK_NONE threshold, got %s", setting.Threshold)
		}
	}
}

func TestExtractDocumentAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "API key not valid"},
		})
	}))
	defer srv.Close()

	client, err := NewGeminiClient("bad-key", "models/gemini-1.5-flash")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.baseURL = srv.URL

	_, err = client.ExtractDocument(context.Background(), Document{Data: []byte("x"), MimeType: "image/png"})
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Fatalf("expected api error with message, got %v", err)
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient("", ""); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
}
