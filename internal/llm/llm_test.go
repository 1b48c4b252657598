package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
)

func collect(t *testing.T, g Generator, req Request) (string, error) {
	t.Helper()
	var out strings.Builder
	err := g.Generate(context.Background(), req, func(c Chunk) error {
		out.WriteString(c.Content)
		return nil
	})
	return out.String(), err
}

func TestGeminiGenerateSendsImageAndKey(t *testing.T) {
	var gotPath, gotKey string
	var body geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Say your "},{"text":"name clearly."}]}}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4}}`))
	}))
	defer srv.Close()

	g := NewGeminiGenerator(srv.URL, "gemini-2.0-flash", "secret-key", 5*time.Second)
	text, err := collect(t, g, Request{
		Prompt:      "Describe",
		System:      "be brief",
		Images:      []Image{{MimeType: "image/png", Data: []byte{0x89, 0x50}}},
		MaxTokens:   64,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Say your name clearly." {
		t.Fatalf("unexpected text %q", text)
	}
	if gotPath != "/models/gemini-2.0-flash:generateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "secret-key" {
		t.Fatalf("api key header not sent")
	}
	if len(body.Contents) != 1 || len(body.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected contents %+v", body.Contents)
	}
	inline := body.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" || inline.Data != "iVA=" {
		t.Fatalf("unexpected inline data %+v", inline)
	}
	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction missing")
	}
	if body.GenerationConfig.MaxOutputTokens != 64 {
		t.Fatalf("max tokens not forwarded")
	}
}

func TestGeminiStatusErrorCarriesProviderMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	g := NewGeminiGenerator(srv.URL, "m", "k", 5*time.Second)
	_, err := collect(t, g, Request{Prompt: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests || statusErr.Status != "RESOURCE_EXHAUSTED" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
	if !strings.Contains(err.Error(), "Resource has been exhausted") {
		t.Fatalf("provider message lost: %v", err)
	}
}

func TestGeminiWithoutKeyFailsBeforeDialing(t *testing.T) {
	g := NewGeminiGenerator("http://127.0.0.1:1", "m", "", time.Second)
	_, err := collect(t, g, Request{Prompt: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestOllamaStreamsChunks(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("{\"response\":\"Hel\",\"done\":false}\n{\"response\":\"lo\",\"done\":true,\"eval_count\":2}\n"))
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "llava", 5*time.Second)
	var partials int
	var out strings.Builder
	err := g.Generate(context.Background(), Request{Prompt: "hi", Images: []Image{{MimeType: "image/png", Data: []byte("x")}}}, func(c Chunk) error {
		if c.Partial {
			partials++
		}
		out.WriteString(c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.String() != "Hello" || partials != 1 {
		t.Fatalf("unexpected output %q partials=%d", out.String(), partials)
	}
	if got.Model != "llava" || len(got.Images) != 1 || got.Images[0] != "eA==" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestMockGeneratorHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMockGenerator().Generate(ctx, Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected empty command error")
	}
	if _, err := New(config.LLMConfig{Mode: "gpt"}); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
	g, err := New(config.LLMConfig{Mode: "exec", Command: "cat"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, ok := g.(*execGenerator); !ok {
		t.Fatalf("unexpected generator %T", g)
	}
}
