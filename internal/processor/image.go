package processor

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	mimePDF  = "application/pdf"
	mimeJPEG = "image/jpeg"
)

// documentMIME 按文件名与声明类型推断上传给 OCR 的 MIME 类型，非 PDF 一律视为图片。
func documentMIME(doc Document) string {
	if strings.HasSuffix(strings.ToLower(doc.Name), ".pdf") || doc.ContentType == mimePDF {
		return mimePDF
	}
	if strings.HasPrefix(doc.ContentType, "image/") {
		return doc.ContentType
	}
	return mimeJPEG
}

// prepareDocument 将宽度超过 maxWidth 的图片缩放并重新编码为 JPEG。
// PDF 与无法解码的数据原样返回，由 OCR 服务自行处理。
func prepareDocument(doc Document, maxWidth int) (Document, bool, error) {
	if documentMIME(doc) == mimePDF || maxWidth <= 0 || len(doc.Data) == 0 {
		return doc, false, nil
	}
	img, err := imaging.Decode(bytes.NewReader(doc.Data))
	if err != nil {
		return doc, false, nil
	}
	if img.Bounds().Dx() <= maxWidth {
		return doc, false, nil
	}

	resized := imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG); err != nil {
		return doc, false, fmt.Errorf("encode resized image: %w", err)
	}
	name := strings.TrimSuffix(doc.Name, filepath.Ext(doc.Name)) + ".jpg"
	return Document{Name: name, ContentType: mimeJPEG, Data: buf.Bytes()}, true, nil
}
