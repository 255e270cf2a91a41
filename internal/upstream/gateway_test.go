package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/media"
)

func testUpstreamConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:         baseURL,
		APIKey:          "sk-operator",
		TextModel:       "gpt-4o-mini",
		ImageModel:      "dall-e-3",
		Temperature:     0.7,
		MaxOutputTokens: 2048,
		ImageSize:       "1024x1024",
		ImageQuality:    "standard",
		TextTimeout:     config.Duration(5 * time.Second),
		ImageTimeout:    config.Duration(5 * time.Second),
	}
}

func newTestMedia(t *testing.T) *media.FileStore {
	t.Helper()
	store, err := media.NewFileStore(t.TempDir(), "/media")
	if err != nil {
		t.Fatalf("media store: %v", err)
	}
	return store
}

func TestResolveCredentialPrecedence(t *testing.T) {
	cfg := testUpstreamConfig("http://example.invalid")
	gw := NewGateway(cfg, newTestMedia(t))

	// Operator config wins over everything.
	t.Setenv(config.UpstreamKeyEnv, "sk-env")
	got, err := gw.ResolveCredential("sk-account")
	if err != nil || got != "sk-operator" {
		t.Fatalf("ResolveCredential = %q, %v; want sk-operator", got, err)
	}

	// Without a config key, the environment wins over the account key.
	cfg.APIKey = ""
	gw = NewGateway(cfg, newTestMedia(t))
	got, err = gw.ResolveCredential("sk-account")
	if err != nil || got != "sk-env" {
		t.Fatalf("ResolveCredential = %q, %v; want sk-env", got, err)
	}

	// Account entitlement key is the last fallback.
	t.Setenv(config.UpstreamKeyEnv, "")
	got, err = gw.ResolveCredential("sk-account")
	if err != nil || got != "sk-account" {
		t.Fatalf("ResolveCredential = %q, %v; want sk-account", got, err)
	}

	// Nothing configured anywhere.
	if _, err = gw.ResolveCredential(""); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("ResolveCredential error = %v, want ErrNoCredential", err)
	}
}

func TestGenerateText(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello there"}},
			},
		})
	}))
	defer srv.Close()

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	res, err := gw.Dispatch(context.Background(), Request{
		Action: config.ActionGenerateText,
		Prompt: "say hello",
	}, "sk-test")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Role != "user" || gotBody.Messages[0].Content != "say hello" {
		t.Fatalf("messages = %+v", gotBody.Messages)
	}
	if res.Content != "hello there" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Action != config.ActionGenerateText {
		t.Fatalf("action = %q", res.Action)
	}
}

func TestGenerateTextEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	_, err := gw.Dispatch(context.Background(), Request{Action: config.ActionGenerateText, Prompt: "x"}, "sk")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestProviderErrorMapsToUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	_, err := gw.Dispatch(context.Background(), Request{Action: config.ActionGenerateText, Prompt: "x"}, "sk")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	// Provider detail must never leak into the returned error.
	if strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("provider body leaked: %v", err)
	}
}

func TestGenerateImageB64Persisted(t *testing.T) {
	artifact := []byte("\x89PNG fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body imageRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.N != 1 || body.Size != "1024x1024" {
			t.Errorf("request = %+v", body)
		}
		if body.Quality != "standard" {
			t.Errorf("quality = %q, want standard for dall-e-3", body.Quality)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(artifact)}},
		})
	}))
	defer srv.Close()

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	res, err := gw.Dispatch(context.Background(), Request{Action: config.ActionGenerateImage, Prompt: "a cat"}, "sk")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Saved {
		t.Fatalf("Saved = false, SaveError = %q", res.SaveError)
	}
	if !strings.HasPrefix(res.ImageURL, "/media/") {
		t.Fatalf("ImageURL = %q", res.ImageURL)
	}
}

func TestGenerateImageURLDownloaded(t *testing.T) {
	artifact := []byte("remote image bytes")
	var imageURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/generations":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"url": imageURL}},
			})
		case "/blob.png":
			_, _ = w.Write(artifact)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	imageURL = srv.URL + "/blob.png"

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	res, err := gw.Dispatch(context.Background(), Request{Action: config.ActionGenerateImage, Prompt: "a dog"}, "sk")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Saved {
		t.Fatalf("Saved = false, SaveError = %q", res.SaveError)
	}
}

// failStore always refuses to persist.
type failStore struct{}

func (failStore) Save(context.Context, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestGenerateImageSaveFailureIsPartialSuccess(t *testing.T) {
	var imageURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/generations":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"url": imageURL}},
			})
		case "/blob.png":
			_, _ = w.Write([]byte("bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	imageURL = srv.URL + "/blob.png"

	gw := NewGateway(testUpstreamConfig(srv.URL), failStore{})
	res, err := gw.Dispatch(context.Background(), Request{Action: config.ActionGenerateImage, Prompt: "x"}, "sk")
	if err != nil {
		t.Fatalf("Dispatch should not fail on persistence error: %v", err)
	}
	if res.Saved {
		t.Fatal("Saved = true, want partial success")
	}
	if res.SaveError == "" {
		t.Fatal("SaveError empty")
	}
	if res.ImageURL != imageURL {
		t.Fatalf("ImageURL = %q, want upstream URL fallback", res.ImageURL)
	}
}

func TestGenerateImageNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	_, err := gw.Dispatch(context.Background(), Request{Action: config.ActionGenerateImage, Prompt: "x"}, "sk")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("error = %v, want ErrInvalidResponse", err)
	}
}

func TestQualityOmittedForNonFlagshipModels(t *testing.T) {
	var gotBody imageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("x"))}},
		})
	}))
	defer srv.Close()

	gw := NewGateway(testUpstreamConfig(srv.URL), newTestMedia(t))
	_, err := gw.Dispatch(context.Background(), Request{
		Action: config.ActionGenerateImage,
		Prompt: "x",
		Model:  "dall-e-2",
	}, "sk")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotBody.Quality != "" {
		t.Fatalf("quality = %q, want omitted for dall-e-2", gotBody.Quality)
	}
}
