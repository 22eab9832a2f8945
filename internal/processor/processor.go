package processor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/datatypes"

	"invoice-intake/internal/classify"
	"invoice-intake/internal/extract"
	"invoice-intake/internal/gate"
	"invoice-intake/internal/model"
	"invoice-intake/internal/validate"
)

// OCR 服务提供方。
const (
	ProviderMistral  = "mistral"
	ProviderOCRSpace = "ocrspace"
)

// Config 描述 OCR 服务与识别流水线配置。
type Config struct {
	Provider      string          `yaml:"provider" json:"provider" validate:"omitempty,oneof=mistral ocrspace"`
	Timeout       time.Duration   `yaml:"timeout" json:"timeout"`
	MaxImageWidth int             `yaml:"max_image_width" json:"max_image_width"`
	Mistral       MistralConfig   `yaml:"mistral" json:"mistral"`
	OCRSpace      OCRSpaceConfig  `yaml:"ocrspace" json:"ocrspace"`
	Companies     []classify.Rule `yaml:"companies" json:"companies"`
}

// Document 是待识别的文档。
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// OCRResult 为 OCR 服务返回。Success=false 表示服务明确给出了失败结果，
// 网络错误与格式错误则通过 error 返回。
type OCRResult struct {
	Success bool
	Text    string
	Error   string
}

// OCRClient 抽象外部 OCR 调用，便于测试注入。
type OCRClient interface {
	Recognize(ctx context.Context, doc Document) (OCRResult, error)
}

// DocumentProcessor 描述识别接口。
type DocumentProcessor interface {
	Process(ctx context.Context, doc Document) (Result, error)
}

// ResultOutcome 指示处理结果。
type ResultOutcome string

const (
	ResultExtracted  ResultOutcome = "extracted"
	ResultUnreadable ResultOutcome = "unreadable"
)

// Extraction 为流水线输出：校验未通过的 IBAN/SIRET 已被清空。
type Extraction struct {
	Fields         extract.Fields
	Confidence     int
	Date           *time.Time
	Company        model.Company
	Decision       gate.Decision
	NormalizedText string
	Hits           []extract.Hit
}

// Status 返回门控给出的发票状态。
func (e *Extraction) Status() model.InvoiceStatus {
	return e.Decision.Status()
}

// OcrData 返回写入发票 ocr_data 列的内容。
func (e *Extraction) OcrData() datatypes.JSONMap {
	data := e.Decision.JSONMap()
	data["rules"] = e.Hits
	return data
}

// Result 包含处理结果与输出。
type Result struct {
	Outcome    ResultOutcome
	Extraction *Extraction
	RawText    string
	Reason     string
	Trace      datatypes.JSONMap
}

// NewOCRClient 按 Provider 创建 OCR 客户端，默认使用 Mistral。
func NewOCRClient(cfg Config) (OCRClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	switch cfg.Provider {
	case "", ProviderMistral:
		return NewMistralClient(cfg.Mistral, httpClient), nil
	case ProviderOCRSpace:
		return NewOCRSpaceClient(cfg.OCRSpace, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown ocr provider %q", cfg.Provider)
	}
}

// Processor 组合 OCR 客户端与确定性流水线实现 DocumentProcessor。
type Processor struct {
	cfg        Config
	ocr        OCRClient
	extractor  *extract.Extractor
	classifier *classify.Classifier
}

// New 创建 Processor。
func New(cfg Config, ocr OCRClient) *Processor {
	if cfg.MaxImageWidth <= 0 {
		cfg.MaxImageWidth = 2000
	}
	return &Processor{
		cfg:        cfg,
		ocr:        ocr,
		extractor:  extract.New(nil),
		classifier: classify.NewClassifier(cfg.Companies),
	}
}

// Process 调用 OCR 并对文本执行抽取、校验、分类与门控。
// OCR 返回失败或空文本时 Outcome 为 ResultUnreadable，由调用方决定如何记录。
func (p *Processor) Process(ctx context.Context, doc Document) (Result, error) {
	prepared, resized, err := prepareDocument(doc, p.cfg.MaxImageWidth)
	if err != nil {
		return Result{}, fmt.Errorf("prepare document: %w", err)
	}

	ocr, err := p.ocr.Recognize(ctx, prepared)
	if err != nil {
		return Result{}, fmt.Errorf("ocr recognize: %w", err)
	}

	trace := datatypes.JSONMap{
		"document":     doc.Name,
		"bytes":        len(doc.Data),
		"resized":      resized,
		"ocr_success":  ocr.Success,
		"ocr_text_len": len(ocr.Text),
	}

	if !ocr.Success || strings.TrimSpace(ocr.Text) == "" {
		reason := ocr.Error
		if reason == "" {
			reason = "ocr returned no text"
		}
		trace["ocr_error"] = reason
		return Result{Outcome: ResultUnreadable, RawText: ocr.Text, Reason: reason, Trace: trace}, nil
	}

	ex := p.Analyze(ocr.Text)
	trace["confidence"] = ex.Confidence
	trace["review_required"] = ex.Decision.ReviewRequired
	return Result{Outcome: ResultExtracted, Extraction: ex, RawText: ocr.Text, Trace: trace}, nil
}

// Analyze 对 OCR 原始文本执行确定性流水线：归一化、抽取、校验、分类、门控。
func (p *Processor) Analyze(raw string) *Extraction {
	res := p.extractor.Extract(raw)
	normalized := extract.Normalize(raw)

	var date *time.Time
	if t, ok := extract.ParseDate(res.Fields.Date); ok {
		date = &t
	}
	company := p.classifier.Classify(res.Fields.Vendor, normalized)

	decision := gate.Evaluate(gate.Input{
		Fields:         res.Fields,
		Confidence:     res.Confidence,
		NormalizedText: normalized,
		Date:           date,
		Company:        company,
	})

	fields := res.Fields
	if fields.Iban != "" && !validate.IBAN(fields.Iban) {
		fields.Iban = ""
	}
	if fields.Siret != "" && !validate.SIRET(fields.Siret) {
		fields.Siret = ""
	}

	return &Extraction{
		Fields:         fields,
		Confidence:     res.Confidence,
		Date:           date,
		Company:        company,
		Decision:       decision,
		NormalizedText: normalized,
		Hits:           res.Hits,
	}
}

// Classify 使用当前配置的规则表重新分类。
func (p *Processor) Classify(vendor, text string) model.Company {
	return p.classifier.Classify(vendor, text)
}
