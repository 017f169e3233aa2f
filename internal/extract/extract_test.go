package extract

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func TestExtract_NoFiles(t *testing.T) {
	res, err := Extract(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Injected)
	assert.Empty(t, res.Markers)
	assert.Equal(t, 0, res.Meta.TotalChars)
}

func TestExtract_PlainText(t *testing.T) {
	res, err := Extract([]FilePayload{
		{Name: "notes.txt", Mime: "text/plain", B64: b64([]byte("line one\nline two"))},
	})
	require.NoError(t, err)

	assert.Contains(t, res.Injected, "> [File: notes.txt]")
	assert.Contains(t, res.Injected, "> line one\n> line two")

	require.Len(t, res.Markers, 1)
	assert.Contains(t, res.Markers[0], "[File] notes.txt:")
	assert.Contains(t, res.Markers[0], "injected 17 chars")

	require.Len(t, res.Meta.Files, 1)
	assert.Equal(t, FileStat{Name: "notes.txt", Status: "ok", Chars: 17}, res.Meta.Files[0])
	assert.Equal(t, 17, res.Meta.TotalChars)
	assert.False(t, res.Meta.Truncated)
}

func TestExtract_TooManyFiles(t *testing.T) {
	files := make([]FilePayload, MaxFiles+1)
	for i := range files {
		files[i] = FilePayload{Name: "f.txt", B64: b64([]byte("x"))}
	}
	_, err := Extract(files)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestExtract_BadBase64(t *testing.T) {
	_, err := Extract([]FilePayload{{Name: "f.txt", B64: "not base64!!!"}})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestExtract_FileTooLarge(t *testing.T) {
	_, err := Extract([]FilePayload{
		{Name: "big.txt", B64: b64(bytes.Repeat([]byte("a"), MaxFileBytes+1))},
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestExtract_PerFileTruncation(t *testing.T) {
	res, err := Extract([]FilePayload{
		{Name: "long.txt", B64: b64([]byte(strings.Repeat("a", MaxCharsPerFile+500)))},
	})
	require.NoError(t, err)

	require.Len(t, res.Meta.Files, 1)
	assert.True(t, res.Meta.Files[0].Truncated)
	assert.True(t, res.Meta.Truncated)
	// The budget plus the ellipsis appended by truncation.
	assert.Equal(t, MaxCharsPerFile+1, res.Meta.Files[0].Chars)
	assert.Contains(t, res.Markers[0], "(truncated)")
}

func TestExtract_TotalBudget(t *testing.T) {
	big := b64([]byte(strings.Repeat("a", MaxCharsPerFile+100)))
	res, err := Extract([]FilePayload{
		{Name: "one.txt", B64: big},
		{Name: "two.txt", B64: big},
		{Name: "three.txt", B64: big},
	})
	require.NoError(t, err)

	assert.True(t, res.Meta.Truncated)
	assert.LessOrEqual(t, res.Meta.TotalChars, MaxTotalChars+2)
	assert.Contains(t, res.Injected, "truncated due to total limit")
	// The third file never gets a slot.
	assert.Len(t, res.Meta.Files, 2)
}

func TestExtract_EmptyFile(t *testing.T) {
	res, err := Extract([]FilePayload{
		{Name: "blank.txt", B64: b64([]byte("   \n\t  "))},
	})
	require.NoError(t, err)

	require.Len(t, res.Meta.Files, 1)
	assert.Equal(t, "empty", res.Meta.Files[0].Status)
	assert.Contains(t, res.Injected, "(no extractable text)")
	assert.Contains(t, res.Markers[0], "(empty)")
	assert.Equal(t, 0, res.Meta.TotalChars)
}

func makeDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_DOCX(t *testing.T) {
	doc := makeDOCX(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph</w:t></w:r><w:r><w:t> continued</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second paragraph</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	res, err := Extract([]FilePayload{{Name: "report.docx", B64: b64(doc)}})
	require.NoError(t, err)

	require.Len(t, res.Meta.Files, 1)
	assert.Equal(t, "ok", res.Meta.Files[0].Status)
	assert.Contains(t, res.Injected, "First paragraph continued")
	assert.Contains(t, res.Injected, "Second paragraph")
}

func TestExtract_DOCXWithoutDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/other.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte("<x/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	res, err := Extract([]FilePayload{{Name: "broken.docx", B64: b64(buf.Bytes())}})
	require.NoError(t, err)

	require.Len(t, res.Meta.Files, 1)
	assert.Equal(t, "parse_failed", res.Meta.Files[0].Status)
	assert.Contains(t, res.Injected, "parse failed")
}

func TestExtract_CorruptPDF(t *testing.T) {
	res, err := Extract([]FilePayload{
		{Name: "bad.pdf", Mime: "application/pdf", B64: b64([]byte("definitely not a pdf"))},
	})
	require.NoError(t, err)

	require.Len(t, res.Meta.Files, 1)
	assert.Equal(t, "parse_failed", res.Meta.Files[0].Status)
}

func TestSnip(t *testing.T) {
	assert.Equal(t, "abc", snip("abc", 5))
	assert.Equal(t, "ab…", snip("abcdef", 2))
	// Rune aware: multi-byte characters count as one.
	assert.Equal(t, "héllo", snip("héllo", 5))
}
