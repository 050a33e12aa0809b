package inspect

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var ErrNotPDF = errors.New("content is not a PDF document")

type PDFInfo struct {
	PageCount int
	// HasText is false for scanned documents without a text layer.
	HasText bool
}

// PDF reads the page count and checks the first page for extractable text.
// The parser panics on some malformed files, so panics are turned into
// errors.
func PDF(content []byte) (info PDFInfo, err error) {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return PDFInfo{}, ErrNotPDF
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			info = PDFInfo{}
			err = fmt.Errorf("parse pdf: %v", recovered)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return PDFInfo{}, fmt.Errorf("open pdf: %w", err)
	}

	info.PageCount = reader.NumPage()
	if info.PageCount > 0 {
		info.HasText = firstPageHasText(reader)
	}
	return info, nil
}

func firstPageHasText(reader *pdf.Reader) (hasText bool) {
	defer func() {
		if recover() != nil {
			hasText = false
		}
	}()

	page := reader.Page(1)
	if page.V.IsNull() {
		return false
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return false
	}
	return strings.TrimSpace(text) != ""
}
