package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MistralConfig 描述 Mistral OCR 接入配置。
type MistralConfig struct {
	APIBase string `yaml:"api_base" json:"api_base"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
}

// MistralClient 调用 Mistral OCR 接口。
type MistralClient struct {
	cfg        MistralConfig
	httpClient *http.Client
}

// NewMistralClient 创建 MistralClient。
func NewMistralClient(cfg MistralConfig, httpClient *http.Client) *MistralClient {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.mistral.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "mistral-ocr-latest"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &MistralClient{cfg: cfg, httpClient: httpClient}
}

type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type mistralRequest struct {
	Model              string          `json:"model"`
	Document           mistralDocument `json:"document"`
	IncludeImageBase64 bool            `json:"include_image_base64"`
}

type mistralResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Recognize 以 data URL 形式上传文档并拼接各页 markdown。
func (c *MistralClient) Recognize(ctx context.Context, doc Document) (OCRResult, error) {
	mime := documentMIME(doc)
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(doc.Data)

	reqBody := mistralRequest{Model: c.cfg.Model}
	if mime == mimePDF {
		reqBody.Document = mistralDocument{Type: "document_url", DocumentURL: dataURL}
	} else {
		reqBody.Document = mistralDocument{Type: "image_url", ImageURL: dataURL}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return OCRResult{}, fmt.Errorf("marshal mistral request: %w", err)
	}

	url := strings.TrimRight(c.cfg.APIBase, "/") + "/v1/ocr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return OCRResult{}, fmt.Errorf("create mistral request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OCRResult{}, fmt.Errorf("call mistral api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return OCRResult{}, fmt.Errorf("read mistral response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return OCRResult{}, fmt.Errorf("mistral api status %d: %s", resp.StatusCode, snippet(body))
	}
	if err := validateEnvelope(mistralSchema, body); err != nil {
		return OCRResult{}, err
	}

	var parsed mistralResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return OCRResult{}, fmt.Errorf("decode mistral response: %w", err)
	}
	if len(parsed.Pages) == 0 {
		return OCRResult{Success: false, Error: "No pages found in document"}, nil
	}

	var b strings.Builder
	for _, page := range parsed.Pages {
		b.WriteString(flattenMarkup(page.Markdown))
		b.WriteString("\n")
	}
	return OCRResult{Success: true, Text: b.String()}, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
