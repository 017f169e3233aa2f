// Package extract turns uploaded attachments (PDF, DOCX, plain text) into a
// bounded text blob for prompt injection. It is a pure pre-processing
// helper: no shared state, no concurrency.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/Yaoaoin/snlite/internal/logger"
)

// Extraction limits. Oversized input is truncated, never rejected, except
// for the per-file byte cap and the file count which fail the request.
const (
	MaxFiles            = 3
	MaxFileBytes        = 6 * 1024 * 1024
	MaxCharsPerFile     = 8000
	MaxTotalChars       = 16000
	maxPDFPages         = 20
	markerPreviewLength = 120
)

// ErrInvalid indicates a rejected attachment payload (too many files, a file
// over the byte cap, or undecodable base64).
var ErrInvalid = errors.New("invalid attachment")

// FilePayload is one uploaded attachment.
type FilePayload struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	B64  string `json:"b64"`
}

// FileStat reports what happened to one attachment.
type FileStat struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // ok | empty | parse_failed
	Chars     int    `json:"chars"`
	Truncated bool   `json:"truncated"`
}

// Meta summarizes the whole extraction, persisted in the user message meta.
type Meta struct {
	Files      []FileStat `json:"files"`
	TotalChars int        `json:"total_chars"`
	Truncated  bool       `json:"truncated"`
}

// Result carries the injected prompt text, the one-line markers persisted in
// the user-visible message content, and the extraction summary.
type Result struct {
	Injected string
	Markers  []string
	Meta     Meta
}

// Extract processes the attachments in order, applying the per-file and
// total character budgets.
func Extract(files []FilePayload) (Result, error) {
	res := Result{Meta: Meta{Files: []FileStat{}}}
	if len(files) == 0 {
		return res, nil
	}
	if len(files) > MaxFiles {
		return Result{}, fmt.Errorf("too many files (max %d): %w", MaxFiles, ErrInvalid)
	}

	var blocks []string
	totalChars := 0
	for _, f := range files {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			name = "file"
		}
		if f.B64 == "" {
			return Result{}, fmt.Errorf("file %s missing b64 data: %w", name, ErrInvalid)
		}

		data, err := base64.StdEncoding.DecodeString(f.B64)
		if err != nil {
			return Result{}, fmt.Errorf("file %s has invalid base64 data: %w", name, ErrInvalid)
		}
		if len(data) > MaxFileBytes {
			return Result{}, fmt.Errorf("file %s too large (max %dMB): %w", name, MaxFileBytes/1024/1024, ErrInvalid)
		}

		text, err := extractText(name, strings.ToLower(strings.TrimSpace(f.Mime)), data)
		if err != nil {
			logger.Warn("Attachment parse failed", "file", name, "error", err)
			blocks = append(blocks, fmt.Sprintf("> [File: %s] (parse failed: %v)", name, err))
			res.Markers = append(res.Markers, fmt.Sprintf("[File] %s (parse failed)", name))
			res.Meta.Files = append(res.Meta.Files, FileStat{Name: name, Status: "parse_failed"})
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			blocks = append(blocks, fmt.Sprintf("> [File: %s] (no extractable text)", name))
			res.Markers = append(res.Markers, fmt.Sprintf("[File] %s (empty)", name))
			res.Meta.Files = append(res.Meta.Files, FileStat{Name: name, Status: "empty"})
			continue
		}

		rawLen := len([]rune(text))
		text = snip(text, MaxCharsPerFile)
		truncated := len([]rune(text)) < rawLen
		if totalChars+len([]rune(text)) > MaxTotalChars {
			remain := MaxTotalChars - totalChars
			if remain > 0 {
				text = snip(text, remain)
			} else {
				text = ""
			}
			truncated = true
		}
		chars := len([]rune(text))
		totalChars += chars
		res.Meta.Truncated = res.Meta.Truncated || truncated

		blocks = append(blocks, "> [File: "+name+"]\n> "+strings.Join(strings.Split(text, "\n"), "\n> "))
		mark := ""
		if truncated {
			mark = " (truncated)"
		}
		preview := snip(strings.ReplaceAll(text, "\n", " "), markerPreviewLength)
		res.Markers = append(res.Markers, fmt.Sprintf("[File] %s: %s [injected %d chars%s]", name, preview, chars, mark))
		res.Meta.Files = append(res.Meta.Files, FileStat{Name: name, Status: "ok", Chars: chars, Truncated: truncated})

		if totalChars >= MaxTotalChars {
			blocks = append(blocks, "> [Note] File excerpts truncated due to total limit.")
			res.Meta.Truncated = true
			break
		}
	}

	res.Meta.TotalChars = totalChars
	res.Injected = strings.TrimSpace(strings.Join(blocks, "\n\n"))
	return res, nil
}

// extractText dispatches on extension and mime type.
func extractText(name, mime string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".pdf" || mime == "application/pdf":
		return extractPDF(data)
	case ext == ".docx" || mime == "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDOCX(data)
	default:
		return extractPlain(data), nil
	}
}

// extractPDF pulls plain text from the first pages of a PDF.
func extractPDF(data []byte) (text string, err error) {
	// The pdf package panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parse panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var parts []string
	total := 0
	pages := reader.NumPage()
	if pages > maxPDFPages {
		pages = maxPDFPages
	}
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(pageText) != "" {
			parts = append(parts, pageText)
			total += len(pageText)
		}
		if total > MaxCharsPerFile {
			break
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), nil
}

// docx paragraph XML shape: <w:p> contains runs with <w:t> text nodes.
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text string `xml:"t"`
	} `xml:"r"`
}

// extractDOCX reads word/document.xml out of the DOCX zip container.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("docx missing word/document.xml")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(io.LimitReader(rc, MaxFileBytes))
	if err != nil {
		return "", fmt.Errorf("read document.xml: %w", err)
	}

	var parsed docxDocument
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse document.xml: %w", err)
	}

	var lines []string
	total := 0
	for _, p := range parsed.Body.Paragraphs {
		var sb strings.Builder
		for _, r := range p.Runs {
			sb.WriteString(r.Text)
		}
		line := sb.String()
		if line == "" {
			continue
		}
		lines = append(lines, line)
		total += len(line)
		if total > MaxCharsPerFile {
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// extractPlain decodes bytes as text, dropping invalid UTF-8 sequences.
func extractPlain(data []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
}

// snip truncates to n runes, appending an ellipsis when anything was cut.
func snip(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " \t\n") + "…"
}
