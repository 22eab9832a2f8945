package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-intake/internal/classify"
	"invoice-intake/internal/model"
)

const sampleInvoice = "# SOFIANE TRANSPORT SARL\n" +
	"12 Rue Victor Hugo\n" +
	"Facture N° FA2024001\n" +
	"Date: 14 mars 2024\n" +
	"Client: Garage Martin\n" +
	"Transport Paris Lyon\n" +
	"TOTAL TTC 150,00 €\n"

func TestProcessorExtractsInvoice(t *testing.T) {
	t.Parallel()

	ocr := &stubOCR{result: OCRResult{Success: true, Text: sampleInvoice}}
	p := New(Config{}, ocr)

	res, err := p.Process(context.Background(), Document{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("%PDF")})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != ResultExtracted {
		t.Fatalf("expected extracted outcome, got %v", res.Outcome)
	}
	if ocr.calls.Load() != 1 {
		t.Fatalf("expected one ocr call, got %d", ocr.calls.Load())
	}
	ex := res.Extraction
	if ex == nil {
		t.Fatalf("expected extraction")
	}
	if ex.Company != model.CompanySofianeTransport {
		t.Fatalf("expected SOFIANE_TRANSPORT, got %s", ex.Company)
	}
	if ex.Date == nil || ex.Date.Format("2006-01-02") != "2024-03-14" {
		t.Fatalf("expected parsed date, got %v", ex.Date)
	}
	if ex.Status() != model.InvoiceStatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", ex.Status())
	}
	if ex.OcrData()["reviewRequired"] != false {
		t.Fatalf("expected reviewRequired false, got %#v", ex.OcrData())
	}
	if res.RawText != sampleInvoice {
		t.Fatalf("expected raw text kept")
	}
	if len(res.Trace) == 0 {
		t.Fatalf("expected trace metadata to be recorded")
	}
}

func TestProcessorUnreadableDocument(t *testing.T) {
	t.Parallel()

	p := New(Config{}, &stubOCR{result: OCRResult{Success: false, Error: "No pages found in document"}})
	res, err := p.Process(context.Background(), Document{Name: "a.pdf"})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != ResultUnreadable || res.Reason != "No pages found in document" {
		t.Fatalf("unexpected result: %+v", res)
	}

	blank := New(Config{}, &stubOCR{result: OCRResult{Success: true, Text: "  \n"}})
	res, err = blank.Process(context.Background(), Document{Name: "a.pdf"})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if res.Outcome != ResultUnreadable || res.Extraction != nil {
		t.Fatalf("expected unreadable for blank text, got %+v", res)
	}
}

func TestProcessorPropagatesOCRErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	p := New(Config{}, &stubOCR{err: boom})
	_, err := p.Process(context.Background(), Document{Name: "a.pdf"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ocr error, got %v", err)
	}
}

func TestAnalyzeDropsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil)
	ex := p.Analyze(sampleInvoice + "IBAN : FR76 3000 6000 0112 3456 7890 188\nSIRET 73282932000075\n")

	assert.Empty(t, ex.Fields.Iban)
	assert.Empty(t, ex.Fields.Siret)
	assert.True(t, ex.Decision.ReviewRequired)
	require.NotNil(t, ex.Decision.FieldConfidence.Iban)
	assert.Equal(t, 20, *ex.Decision.FieldConfidence.Iban)
	assert.Equal(t, model.InvoiceStatusToProcess, ex.Status())
}

func TestAnalyzeUsesConfiguredCompanies(t *testing.T) {
	t.Parallel()

	p := New(Config{Companies: []classify.Rule{{Company: model.CompanyGarageExpertise, VendorKeywords: []string{"sofiane"}}}}, nil)
	ex := p.Analyze(sampleInvoice)
	assert.Equal(t, model.CompanyGarageExpertise, ex.Company)
}

func TestMistralClientRecognize(t *testing.T) {
	t.Parallel()

	var seen mistralRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ocr" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"pages":[{"index":0,"markdown":"# ACME SAS"},{"index":1,"markdown":"<table><tr><td>Transport</td><td>150,00 €</td></tr></table>"}]}`)
	}))
	defer srv.Close()

	c := NewMistralClient(MistralConfig{APIBase: srv.URL, APIKey: "secret"}, srv.Client())
	res, err := c.Recognize(context.Background(), Document{Name: "invoice.PDF", Data: []byte("%PDF-1.4")})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Text, "# ACME SAS\n")
	assert.Contains(t, res.Text, "Transport | 150,00 €")

	assert.Equal(t, "mistral-ocr-latest", seen.Model)
	assert.Equal(t, "document_url", seen.Document.Type)
	assert.True(t, strings.HasPrefix(seen.Document.DocumentURL, "data:application/pdf;base64,"))
	assert.False(t, seen.IncludeImageBase64)
}

func TestMistralClientImageAndFailures(t *testing.T) {
	t.Parallel()

	var body atomic.Value
	body.Store(`{"pages":[]}`)
	var seen mistralRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&seen)
		b := body.Load().(string)
		if b == "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, b)
	}))
	defer srv.Close()

	c := NewMistralClient(MistralConfig{APIBase: srv.URL}, srv.Client())
	doc := Document{Name: "scan.png", ContentType: "image/png", Data: []byte{1, 2, 3}}

	res, err := c.Recognize(context.Background(), doc)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "No pages found in document", res.Error)
	assert.Equal(t, "image_url", seen.Document.Type)
	assert.True(t, strings.HasPrefix(seen.Document.ImageURL, "data:image/png;base64,"))

	body.Store(`{"result":"ok"}`)
	_, err = c.Recognize(context.Background(), doc)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	body.Store("")
	_, err = c.Recognize(context.Background(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestOCRSpaceClientRecognize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "k" {
			t.Errorf("missing apikey header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		for field, want := range map[string]string{"language": "fre", "OCREngine": "2", "filetype": "PDF", "scale": "true"} {
			if got := r.FormValue(field); got != want {
				t.Errorf("field %s: got %q want %q", field, got, want)
			}
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "%PDF" {
				t.Errorf("unexpected file content %q", data)
			}
		}
		_, _ = io.WriteString(w, `{"IsErroredOnProcessing":false,"ParsedResults":[{"ParsedText":"TOTAL 12,00"}]}`)
	}))
	defer srv.Close()

	c := NewOCRSpaceClient(OCRSpaceConfig{Endpoint: srv.URL, APIKey: "k"}, srv.Client())
	res, err := c.Recognize(context.Background(), Document{Name: "a.pdf", Data: []byte("%PDF")})
	require.NoError(t, err)
	assert.Equal(t, OCRResult{Success: true, Text: "TOTAL 12,00"}, res)
}

func TestOCRSpaceClientProcessingError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("filetype") != "" {
			t.Errorf("filetype must not be sent for images")
		}
		_, _ = io.WriteString(w, `{"IsErroredOnProcessing":true,"ErrorMessage":["File failed validation"]}`)
	}))
	defer srv.Close()

	c := NewOCRSpaceClient(OCRSpaceConfig{Endpoint: srv.URL}, srv.Client())
	res, err := c.Recognize(context.Background(), Document{Name: "a.jpg", Data: []byte{0xff}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "File failed validation", res.Error)
}

func TestFirstMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a", firstMessage(json.RawMessage(`["a","b"]`)))
	assert.Equal(t, "plain", firstMessage(json.RawMessage(`"plain"`)))
	assert.Equal(t, "", firstMessage(nil))
}

func TestNewOCRClient(t *testing.T) {
	t.Parallel()

	c, err := NewOCRClient(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MistralClient{}, c)

	c, err = NewOCRClient(Config{Provider: ProviderOCRSpace})
	require.NoError(t, err)
	assert.IsType(t, &OCRSpaceClient{}, c)

	_, err = NewOCRClient(Config{Provider: "tesseract"})
	assert.Error(t, err)
}

func TestFlattenMarkup(t *testing.T) {
	t.Parallel()

	plain := "TOTAL TTC 12,00 €\nTVA 2,00 €"
	assert.Equal(t, plain, flattenMarkup(plain))

	md := "# ACME SAS\n<table><tr><th>Désignation</th><th>Total</th></tr><tr><td>Transport</td><td>150,00 €</td></tr></table>\nTOTAL TTC 150,00 €"
	out := flattenMarkup(md)
	assert.Contains(t, out, "# ACME SAS")
	assert.Contains(t, out, "Désignation | Total\n")
	assert.Contains(t, out, "Transport | 150,00 €\n")
	assert.Contains(t, out, "TOTAL TTC 150,00 €")
}

func TestPrepareDocumentDownscalesWideImages(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	for x := 0; x < 400; x++ {
		img.Set(x, 50, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	doc := Document{Name: "scan.png", ContentType: "image/png", Data: buf.Bytes()}

	out, resized, err := prepareDocument(doc, 200)
	require.NoError(t, err)
	assert.True(t, resized)
	assert.Equal(t, "scan.jpg", out.Name)
	assert.Equal(t, "image/jpeg", out.ContentType)
	decoded, err := imaging.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 200, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy())

	same, resized, err := prepareDocument(doc, 1000)
	require.NoError(t, err)
	assert.False(t, resized)
	assert.Equal(t, doc, same)

	pdf := Document{Name: "a.pdf", Data: []byte("%PDF")}
	same, resized, err = prepareDocument(pdf, 10)
	require.NoError(t, err)
	assert.False(t, resized)
	assert.Equal(t, pdf, same)
}

// --- stubs ---

type stubOCR struct {
	result OCRResult
	err    error
	calls  atomic.Int32
}

func (s *stubOCR) Recognize(ctx context.Context, doc Document) (OCRResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return OCRResult{}, s.err
	}
	return s.result, nil
}
