package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var (
	t0 = time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

// Deliberately out of chronological order.
func sampleTranscript() Transcript {
	return Transcript{
		Meta: Meta{CharacterName: "Ada Lovelace!", CharacterID: "char-1", ChatID: "chat-1"},
		Messages: []Message{
			{Timestamp: t2, AuthorName: "Ada", Content: "third"},
			{Timestamp: t0, AuthorName: "Ada", Content: "first"},
			{Timestamp: t1, AuthorName: "me", AuthorIsHuman: true, Content: "second"},
		},
	}
}

func TestPrettyUTC(t *testing.T) {
	assert.Equal(t, "2024-05-01T10:00:00Z", PrettyUTC(t0))

	plus2 := time.FixedZone("plus2", 2*60*60)
	assert.Equal(t, "2024-05-01T08:00:00Z", PrettyUTC(time.Date(2024, 5, 1, 10, 0, 0, 0, plus2)))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "Ada_Lovelace", SafeName("Ada Lovelace!"))
	assert.Equal(t, "Zoë_2", SafeName("Zoë 2"))
	assert.Equal(t, "", SafeName("?!"))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "cai-Ada_Lovelace-20240501T100000Z.txt", FileName("Ada Lovelace", t0, "txt"))

	plus2 := time.FixedZone("plus2", 2*60*60)
	name := FileName("Ada", time.Date(2024, 5, 1, 12, 0, 0, 0, plus2), "zip")
	assert.Equal(t, "cai-Ada-20240501T100000Z.zip", name)
	assert.NotContains(t, name, ":")
}

func TestExport_TextHeaderUsesOrderedBounds(t *testing.T) {
	file, err := Export(sampleTranscript(), []Format{FormatText}, t0)
	require.NoError(t, err)
	require.NotNil(t, file)

	assert.Equal(t, "txt", file.Extension)
	assert.Equal(t, "text/plain", file.MimeType)

	want := strings.Join([]string{
		"Character: Ada Lovelace! (char-1)",
		"Chat ID: chat-1",
		"Messages: 3",
		"2024-05-01T10:00:00Z - 2024-05-01T10:02:00Z",
		strings.Repeat("=", 60),
		"",
		"Ada [bot] - 2024-05-01T10:00:00Z",
		"first",
		"",
		"You - 2024-05-01T10:01:00Z",
		"second",
		"",
		"Ada [bot] - 2024-05-01T10:02:00Z",
		"third",
		"",
		"",
	}, "\n")
	assert.Equal(t, want, string(file.Data))
}

func TestExport_JSONDocument(t *testing.T) {
	file, err := Export(sampleTranscript(), []Format{FormatJSON}, t0)
	require.NoError(t, err)

	var doc document
	require.NoError(t, json.Unmarshal(file.Data, &doc))
	assert.Equal(t, "2024-05-01T10:00:00Z", doc.StartTime)
	assert.Equal(t, "2024-05-01T10:02:00Z", doc.EndTime)
	require.Len(t, doc.Messages, 3)
	assert.Equal(t, "first", doc.Messages[0].Content)
	assert.True(t, doc.Messages[1].AuthorIsHuman)
}

func TestExport_YAMLDocument(t *testing.T) {
	file, err := Export(sampleTranscript(), []Format{FormatYAML}, t0)
	require.NoError(t, err)
	assert.Equal(t, "yaml", file.Extension)

	var doc document
	require.NoError(t, yaml.Unmarshal(file.Data, &doc))
	assert.Equal(t, "chat-1", doc.ChatID)
	assert.Len(t, doc.Messages, 3)
}

func TestExport_MultipleFormatsAreZipped(t *testing.T) {
	file, err := Export(sampleTranscript(), []Format{FormatText, FormatJSON}, t0)
	require.NoError(t, err)

	assert.Equal(t, "zip", file.Extension)
	assert.Equal(t, "application/zip", file.MimeType)
	assert.Equal(t, "cai-Ada_Lovelace-20240501T100000Z.zip", file.Name)

	zr, err := zip.NewReader(bytes.NewReader(file.Data), int64(len(file.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "cai-Ada_Lovelace-20240501T100000Z.txt", zr.File[0].Name)
	assert.Equal(t, "cai-Ada_Lovelace-20240501T100000Z.json", zr.File[1].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Character: Ada Lovelace!"))
}

func TestExport_NoFormats(t *testing.T) {
	file, err := Export(sampleTranscript(), nil, t0)
	require.NoError(t, err)
	assert.Nil(t, file)
}

func TestExport_EmptyHistory(t *testing.T) {
	_, err := Export(Transcript{}, []Format{FormatText}, t0)
	assert.True(t, errors.Is(err, ErrEmptyHistory))
}

func TestExport_DoesNotReorderCallerSlice(t *testing.T) {
	tr := sampleTranscript()
	_, err := Export(tr, []Format{FormatText}, t0)
	require.NoError(t, err)
	assert.Equal(t, "third", tr.Messages[0].Content)
}

func TestFormatsFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, []Format{FormatText}, FormatsFrom(cfg))

	cfg.ExportTXT = false
	cfg.ExportJSON = true
	cfg.ExportYAML = true
	assert.Equal(t, []Format{FormatJSON, FormatYAML}, FormatsFrom(cfg))

	cfg.ExportJSON = false
	cfg.ExportYAML = false
	assert.Empty(t, FormatsFrom(cfg))
}

func TestNewExporter_Unknown(t *testing.T) {
	_, err := NewExporter("pdf")
	assert.Error(t, err)
}
