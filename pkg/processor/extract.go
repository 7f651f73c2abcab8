package processor

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/xhad/ragchat/internal/models"
	"github.com/xhad/ragchat/pkg/apperr"
)

const (
	MimePDF       = "application/pdf"
	MimePlainText = "text/plain"
)

// FileTypeFor maps a declared content type onto an accepted file type.
func FileTypeFor(contentType string) (models.FileType, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case MimePDF:
		return models.FileTypePDF, nil
	case MimePlainText:
		return models.FileTypePlainText, nil
	default:
		return "", apperr.E(apperr.UnsupportedFormat, "processor.Extract",
			fmt.Sprintf("unsupported file type: %s", contentType), nil)
	}
}

// Extract returns the plain text of a PDF or plain-text file. Blank output is
// reported as an empty document.
func (p *Processor) Extract(data []byte, contentType string) (string, models.FileType, error) {
	fileType, err := FileTypeFor(contentType)
	if err != nil {
		return "", "", err
	}

	var text string
	switch fileType {
	case models.FileTypePDF:
		text, err = extractPDF(data)
	default:
		text, err = extractText(data)
	}
	if err != nil {
		return "", "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", "", apperr.E(apperr.EmptyDocument, "processor.Extract", "no text extracted", nil)
	}
	return text, fileType, nil
}

func extractText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", apperr.E(apperr.ExtractionFailed, "processor.extractText", "content is not valid UTF-8", nil)
	}
	return string(data), nil
}

func extractPDF(data []byte) (text string, err error) {
	const op = "processor.extractPDF"

	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = apperr.E(apperr.ExtractionFailed, op, "malformed pdf", fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", apperr.E(apperr.ExtractionFailed, op, "open pdf", err)
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", apperr.E(apperr.ExtractionFailed, op, fmt.Sprintf("page %d", i), err)
		}
		pages = append(pages, pageText)
	}
	return strings.Join(pages, "\n"), nil
}
