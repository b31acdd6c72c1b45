package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestClient(url string) *Client {
	return New(&config.Config{
		APIKey:            "test-key",
		Model:             config.DefaultModel,
		APIBaseURL:        url,
		AllowedMIME:       tryon.DefaultAllowedMIME,
		GenerationTimeout: 5 * time.Second,
	})
}

func imageResponse(data []byte) string {
	return `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` +
		base64.StdEncoding.EncodeToString(data) + `"}}]}}]}`
}

func TestGenerate_RequestShape(t *testing.T) {
	subject := pngBytes(t)
	garment := append(pngBytes(t), 0)
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash-image:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.URL.Query().Get("key") != "" {
			t.Errorf("api key must not be in the query string")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("bad request json: %v", err)
		}
		io.WriteString(w, imageResponse([]byte("result-bytes")))
	}))
	defer srv.Close()

	// Declared JPEG, actually PNG: the request must carry the sniffed type.
	res, err := newTestClient(srv.URL).Generate(context.Background(),
		tryon.Image{Data: subject, MIME: tryon.MIMEJPEG},
		tryon.Image{Data: garment, MIME: tryon.MIMEPNG},
		"put it on", tryon.Ratio3x4)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(res.Data) != "result-bytes" || res.MIME != "image/png" {
		t.Errorf("result = %q %s", res.Data, res.MIME)
	}

	parts := captured["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	first := parts[0].(map[string]any)["inlineData"].(map[string]any)
	second := parts[1].(map[string]any)["inlineData"].(map[string]any)
	if first["data"] != base64.StdEncoding.EncodeToString(subject) || first["mimeType"] != tryon.MIMEPNG {
		t.Error("part 1 must be the subject with its sniffed type")
	}
	if second["data"] != base64.StdEncoding.EncodeToString(garment) {
		t.Error("part 2 must be the garment")
	}
	if parts[2].(map[string]any)["text"] != "put it on" {
		t.Error("part 3 must be the prompt")
	}
	gc := captured["generationConfig"].(map[string]any)
	if gc["imageConfig"].(map[string]any)["aspectRatio"] != "3:4" {
		t.Errorf("aspectRatio = %v", gc["imageConfig"])
	}
	if m := gc["responseModalities"].([]any); len(m) != 1 || m[0] != "Image" {
		t.Errorf("responseModalities = %v", m)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   tryon.Kind
		wantInMsg  string
		wantDetail string
	}{
		{"upstream message", http.StatusInternalServerError, `{"error":{"message":"overloaded"}}`, tryon.KindAPI, "Gemini API Error: overloaded", "Response Code 500"},
		{"unparseable error", http.StatusBadGateway, `<html>`, tryon.KindAPI, genericUpstreamError, "Full Response: <html>"},
		{"missing candidates", http.StatusOK, `{"candidates":[]}`, tryon.KindInvalidResponse, "Invalid API response format", "Missing inlineData"},
		{"text only", http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"I cannot do that"}]}}]}`, tryon.KindInvalidResponse, "Invalid API response format", "I cannot do that"},
		{"not json", http.StatusOK, `nope`, tryon.KindInvalidResponse, "Invalid API response format", ""},
		{"bad base64", http.StatusOK, `{"candidates":[{"content":{"parts":[{"inlineData":{"data":"%%%"}}]}}]}`, tryon.KindDecoding, "Failed to decode generated image", ""},
		{"empty data", http.StatusOK, `{"candidates":[{"content":{"parts":[{"inlineData":{"data":""}}]}}]}`, tryon.KindDecoding, "Failed to decode generated image", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			img := tryon.Image{Data: pngBytes(t), MIME: tryon.MIMEPNG}
			_, err := newTestClient(srv.URL).Generate(context.Background(), img, img, "p", tryon.Ratio1x1)
			te, ok := tryon.AsError(err)
			if !ok {
				t.Fatalf("expected *tryon.Error, got %v", err)
			}
			if te.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", te.Kind, tt.wantKind)
			}
			if !strings.Contains(te.Message, tt.wantInMsg) {
				t.Errorf("message %q should contain %q", te.Message, tt.wantInMsg)
			}
			if !strings.Contains(te.Detail, tt.wantDetail) {
				t.Errorf("detail %q should contain %q", te.Detail, tt.wantDetail)
			}
		})
	}
}

func TestGenerate_APIErrorIsGenericForUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer srv.Close()

	img := tryon.Image{Data: pngBytes(t), MIME: tryon.MIMEPNG}
	_, err := newTestClient(srv.URL).Generate(context.Background(), img, img, "p", tryon.Ratio1x1)
	if msg := tryon.PublicMessage(err, false); strings.Contains(msg, "overloaded") {
		t.Errorf("public message leaks upstream detail: %q", msg)
	}
	if msg := tryon.PublicMessage(err, true); !strings.Contains(msg, "overloaded") || !strings.Contains(msg, "Response Code 500") {
		t.Errorf("debug message should carry detail: %q", msg)
	}
}

func TestGenerate_Transport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	img := tryon.Image{Data: pngBytes(t), MIME: tryon.MIMEPNG}
	_, err := newTestClient(url).Generate(context.Background(), img, img, "p", tryon.Ratio1x1)
	if tryon.KindOf(err) != tryon.KindTransport {
		t.Fatalf("kind = %s, want transport (%v)", tryon.KindOf(err), err)
	}
	if !strings.HasPrefix(err.Error(), "API request failed") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestGenerate_RejectsDisallowedContent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	avif := append([]byte{0, 0, 0, 20}, []byte("ftypavif\x00\x00\x00\x00mif1avif")...)
	_, err := newTestClient(srv.URL).Generate(context.Background(),
		tryon.Image{Data: avif, MIME: tryon.MIMEJPEG},
		tryon.Image{Data: pngBytes(t), MIME: tryon.MIMEPNG},
		"p", tryon.Ratio1x1)
	if tryon.KindOf(err) != tryon.KindValidation {
		t.Fatalf("kind = %s, want validation", tryon.KindOf(err))
	}
	if called {
		t.Error("provider must not be called for a rejected input")
	}
}
