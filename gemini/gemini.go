// Package gemini is a raw REST client for the Google generative language
// API: the Files endpoints for media upload/poll/delete and generateContent
// for structured and multi-image generation. It implements
// inference.Gateway and performs exactly one attempt per call; retry policy
// lives with the caller.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"incident-analyze-pipeline/inference"
)

const (
	baseURL       = "https://generativelanguage.googleapis.com/v1beta"
	uploadBaseURL = "https://generativelanguage.googleapis.com/upload/v1beta"
)

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
	FileData   *fileData   `json:"file_data,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string            `json:"response_mime_type,omitempty"`
	ResponseSchema   *inference.Schema `json:"response_schema,omitempty"`
}

type generateRequest struct {
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
	Contents         []content        `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type fileResource struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

type uploadResponse struct {
	File fileResource `json:"file"`
}

// Client talks to the Gemini API. model is used for media-backed analysis
// calls, detectionModel for the cheaper multi-image detection calls.
type Client struct {
	apiKey         string
	model          string
	detectionModel string
	http           *http.Client
}

// NewClient creates a Gemini client. detectionModel may equal model.
func NewClient(apiKey, model, detectionModel string) *Client {
	return &Client{
		apiKey:         apiKey,
		model:          model,
		detectionModel: detectionModel,
		// Video uploads and multi-image generations can be slow.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) SourceName() string { return "Gemini" }

// SubmitMedia uploads a local video file via the media upload endpoint.
func (c *Client) SubmitMedia(ctx context.Context, path string) (*inference.MediaHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read media file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "video/mp4"
	}

	url := fmt.Sprintf("%s/files?uploadType=media&key=%s", uploadBaseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var ur uploadResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return nil, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if ur.File.Name == "" {
		return nil, fmt.Errorf("upload response missing file name")
	}

	return &inference.MediaHandle{
		Name:     ur.File.Name,
		URI:      ur.File.URI,
		MIMEType: ur.File.MimeType,
		State:    inference.MediaState(ur.File.State),
	}, nil
}

// PollStatus fetches the file resource and updates the handle in place.
func (c *Client) PollStatus(ctx context.Context, h *inference.MediaHandle) (inference.MediaState, error) {
	url := fmt.Sprintf("%s/%s?key=%s", baseURL, h.Name, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create status request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var fr fileResource
	if err := json.Unmarshal(body, &fr); err != nil {
		return "", fmt.Errorf("failed to parse file resource: %w", err)
	}

	h.State = inference.MediaState(fr.State)
	if fr.URI != "" {
		h.URI = fr.URI
	}
	return h.State, nil
}

// DeleteMedia removes the uploaded file from the remote service.
func (c *Client) DeleteMedia(ctx context.Context, h *inference.MediaHandle) error {
	url := fmt.Sprintf("%s/%s?key=%s", baseURL, h.Name, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	if _, err := c.do(req); err != nil {
		return err
	}
	return nil
}

// GenerateFromMedia runs one generation over an uploaded media handle,
// optionally constrained to a response schema.
func (c *Client) GenerateFromMedia(ctx context.Context, h *inference.MediaHandle, prompt string, schema *inference.Schema) (string, error) {
	reqBody := generateRequest{
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
		Contents: []content{
			{
				Role: "user",
				Parts: []part{
					{FileData: &fileData{MimeType: h.MIMEType, FileURI: h.URI}},
					{Text: prompt},
				},
			},
		},
	}
	return c.generateContent(ctx, c.model, reqBody)
}

// GenerateFromImages runs one generation over inline JPEG images plus a
// prompt. The response is requested as JSON but not schema-constrained; the
// parser validates its documented shape.
func (c *Client) GenerateFromImages(ctx context.Context, images [][]byte, prompt string) (string, error) {
	parts := make([]part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: "image/jpeg",
				Data:     base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	parts = append(parts, part{Text: prompt})

	reqBody := generateRequest{
		GenerationConfig: generationConfig{ResponseMimeType: "application/json"},
		Contents:         []content{{Role: "user", Parts: parts}},
	}
	return c.generateContent(ctx, c.detectionModel, reqBody)
}

func (c *Client) generateContent(ctx context.Context, model string, body generateRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text, nil
		}
	}
	return "", fmt.Errorf("no text part in response")
}

// do executes a request and returns the body, turning non-2xx statuses into
// errors carrying the status code and body so the retry classifier can
// recognize overload signatures.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
