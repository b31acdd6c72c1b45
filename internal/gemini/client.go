// Package gemini calls the Gemini image model over its REST API to compose
// the subject photo and garment image into a try-on result.
//
// Direct HTTP is used rather than the genai SDK so the exact request body
// (part order, imageConfig) and the raw error payloads stay under our
// control.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/imaging"
	"github.com/fpang/virtual-tryon/internal/tryon"
)

// genericUpstreamError is used when a non-200 body carries no message.
const genericUpstreamError = "API returned an error. Please try again."

// Generator produces a try-on image. *Client implements it; tests and the
// orchestrator use the interface.
type Generator interface {
	Generate(ctx context.Context, subject, garment tryon.Image, prompt string, ratio tryon.AspectRatio) (*Result, error)
}

// Result is a decoded generated image.
type Result struct {
	Data []byte
	MIME string
}

// Client is the REST client for :generateContent.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	allowed    []string
	httpClient *http.Client
}

var _ Generator = (*Client)(nil)

// New creates a client from cfg. The request timeout is the generation
// bound, not the interactive budget.
func New(cfg *config.Config) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: cfg.APIBaseURL,
		allowed: cfg.AllowedMIME,
		httpClient: &http.Client{
			Timeout: cfg.GenerationTimeout,
		},
	}
}

// --- REST API request/response types ---

type request struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string    `json:"text,omitempty"`
	InlineData *blobData `json:"inlineData,omitempty"`
}

type blobData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string    `json:"responseModalities"`
	ImageConfig        imageConfig `json:"imageConfig"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				InlineData *struct {
					MIMEType string  `json:"mimeType"`
					Data     *string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type errorBody struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// BuildRequest assembles the request body. Parts are ordered subject,
// garment, prompt: the model reads image 1 as the person and image 2 as
// the clothing.
func BuildRequest(subject, garment tryon.Image, prompt string, ratio tryon.AspectRatio) ([]byte, error) {
	req := request{
		Contents: []content{{
			Parts: []part{
				{InlineData: &blobData{MIMEType: subject.MIME, Data: base64.StdEncoding.EncodeToString(subject.Data)}},
				{InlineData: &blobData{MIMEType: garment.MIME, Data: base64.StdEncoding.EncodeToString(garment.Data)}},
				{Text: prompt},
			},
		}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"Image"},
			ImageConfig:        imageConfig{AspectRatio: string(ratio)},
		},
	}
	return json.Marshal(req)
}

// Generate sends both images and the prompt and returns the decoded image.
// Each image's MIME type is re-derived from its content first; a type
// outside the allow-list fails validation without calling the API.
func (c *Client) Generate(ctx context.Context, subject, garment tryon.Image, prompt string, ratio tryon.AspectRatio) (*Result, error) {
	if err := imaging.Recheck(&subject, c.allowed); err != nil {
		return nil, err
	}
	if err := imaging.Recheck(&garment, c.allowed); err != nil {
		return nil, err
	}

	body, err := BuildRequest(subject, garment, prompt, ratio)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	log.Info().
		Str("model", c.model).
		Int("subjectBytes", len(subject.Data)).
		Str("subjectMime", subject.MIME).
		Int("garmentBytes", len(garment.Data)).
		Str("garmentMime", garment.MIME).
		Str("aspectRatio", string(ratio)).
		Msg("Sending try-on request to Gemini")

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Gemini request failed")
		return nil, tryon.Transport(err).WithDetail("http client error - " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tryon.Transport(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status", resp.StatusCode).
			Str("body", truncateString(string(respBody), 500)).
			Msg("Gemini API returned error")
		return nil, tryon.API(upstreamMessage(respBody)).
			WithDetail(fmt.Sprintf("Response Code %d | Full Response: %s", resp.StatusCode, respBody))
	}

	data, mime, err := extractImage(respBody)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("outputBytes", len(data)).
		Str("outputMime", mime).
		Dur("duration", time.Since(start)).
		Msg("Gemini try-on generation complete")

	return &Result{Data: data, MIME: mime}, nil
}

func upstreamMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == nil || eb.Error.Message == "" {
		return genericUpstreamError
	}
	return eb.Error.Message
}

// extractImage reads candidates[0].content.parts[0].inlineData.data. Only
// that path counts; an image anywhere else is an invalid response.
func extractImage(body []byte) ([]byte, string, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, "", tryon.InvalidResponse(err).WithDetail("Full Response: " + string(body))
	}
	if len(r.Candidates) == 0 ||
		len(r.Candidates[0].Content.Parts) == 0 ||
		r.Candidates[0].Content.Parts[0].InlineData == nil ||
		r.Candidates[0].Content.Parts[0].InlineData.Data == nil {
		return nil, "", tryon.InvalidResponse(errors.New("missing inlineData")).
			WithDetail("Missing inlineData in response. Full Response: " + string(body))
	}

	blob := r.Candidates[0].Content.Parts[0].InlineData
	data, err := base64.StdEncoding.DecodeString(*blob.Data)
	if err != nil {
		return nil, "", tryon.Decoding(err)
	}
	if len(data) == 0 {
		return nil, "", tryon.Decoding(errors.New("empty image data"))
	}

	mime := blob.MIMEType
	if mime == "" {
		mime = imaging.Detect(data)
	}
	return data, mime, nil
}

// truncateString truncates s to maxLen characters, appending "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
