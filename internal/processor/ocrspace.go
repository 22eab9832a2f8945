package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// OCRSpaceConfig 描述 OCR.space 接入配置。
type OCRSpaceConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Language string `yaml:"language" json:"language"`
	Engine   int    `yaml:"engine" json:"engine"`
}

// OCRSpaceClient 调用 OCR.space 接口。
type OCRSpaceClient struct {
	cfg        OCRSpaceConfig
	httpClient *http.Client
}

// NewOCRSpaceClient 创建 OCRSpaceClient。
func NewOCRSpaceClient(cfg OCRSpaceConfig, httpClient *http.Client) *OCRSpaceClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.ocr.space/parse/image"
	}
	if cfg.Language == "" {
		cfg.Language = "fre"
	}
	if cfg.Engine == 0 {
		cfg.Engine = 2
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OCRSpaceClient{cfg: cfg, httpClient: httpClient}
}

type ocrSpaceResponse struct {
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
	ParsedResults         []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
}

// Recognize 以 multipart 表单上传文档。
func (c *OCRSpaceClient) Recognize(ctx context.Context, doc Document) (OCRResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", doc.Name)
	if err != nil {
		return OCRResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return OCRResult{}, fmt.Errorf("write form file: %w", err)
	}
	fields := [][2]string{
		{"language", c.cfg.Language},
		{"isOverlayRequired", "false"},
		{"detectOrientation", "true"},
		{"scale", "true"},
		{"OCREngine", strconv.Itoa(c.cfg.Engine)},
	}
	if documentMIME(doc) == mimePDF {
		fields = append(fields, [2]string{"filetype", "PDF"})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return OCRResult{}, fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return OCRResult{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &buf)
	if err != nil {
		return OCRResult{}, fmt.Errorf("create ocrspace request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OCRResult{}, fmt.Errorf("call ocrspace api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return OCRResult{}, fmt.Errorf("read ocrspace response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return OCRResult{}, fmt.Errorf("ocrspace api status %d: %s", resp.StatusCode, snippet(body))
	}
	if err := validateEnvelope(ocrSpaceSchema, body); err != nil {
		return OCRResult{}, err
	}

	var parsed ocrSpaceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return OCRResult{}, fmt.Errorf("decode ocrspace response: %w", err)
	}
	if parsed.IsErroredOnProcessing {
		msg := firstMessage(parsed.ErrorMessage)
		if msg == "" {
			msg = "OCR processing failed"
		}
		return OCRResult{Success: false, Error: msg}, nil
	}
	if len(parsed.ParsedResults) == 0 {
		return OCRResult{Success: false, Error: "No parsed results"}, nil
	}
	return OCRResult{Success: true, Text: parsed.ParsedResults[0].ParsedText}, nil
}

// firstMessage 兼容 ErrorMessage 为字符串或字符串数组两种形式。
func firstMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
