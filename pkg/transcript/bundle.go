package transcript

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/klauspost/compress/zip"
)

// FormatsFrom returns the enabled formats in txt, json, yaml order.
func FormatsFrom(cfg *config.Config) []Format {
	var formats []Format
	if cfg.ExportTXT {
		formats = append(formats, FormatText)
	}
	if cfg.ExportJSON {
		formats = append(formats, FormatJSON)
	}
	if cfg.ExportYAML {
		formats = append(formats, FormatYAML)
	}
	return formats
}

// SafeName turns a character name into a file-name fragment: spaces become
// underscores and anything else that is not a letter or digit is dropped.
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ReplaceAll(name, " ", "_") {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fileTimeLayout is PrettyUTC without separators, safe in file and zip
// entry names on every platform.
const fileTimeLayout = "20060102T150405Z"

func FileName(characterName string, exportTime time.Time, ext string) string {
	return fmt.Sprintf("cai-%s-%s.%s", SafeName(characterName), exportTime.UTC().Format(fileTimeLayout), ext)
}

// Export renders t in each format. It returns nil when no format is
// enabled, the single file when one is, and a zip of all files otherwise.
func Export(t Transcript, formats []Format, exportTime time.Time) (*ExportFile, error) {
	if len(formats) == 0 {
		return nil, nil
	}
	if len(t.Messages) == 0 {
		return nil, ErrEmptyHistory
	}

	msgs := append([]Message(nil), t.Messages...)
	SortMessages(msgs)
	t.Messages = msgs

	files := make([]ExportFile, 0, len(formats))
	for _, format := range formats {
		exp, err := NewExporter(format)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := exp.Export(t, &buf); err != nil {
			return nil, fmt.Errorf("render %s export: %w", format, err)
		}
		files = append(files, ExportFile{
			Name:      FileName(t.Meta.CharacterName, exportTime, exp.Extension()),
			Extension: exp.Extension(),
			MimeType:  exp.MimeType(),
			Data:      buf.Bytes(),
		})
	}

	if len(files) == 1 {
		return &files[0], nil
	}

	data, err := bundle(files, exportTime)
	if err != nil {
		return nil, err
	}
	return &ExportFile{
		Name:      FileName(t.Meta.CharacterName, exportTime, "zip"),
		Extension: "zip",
		MimeType:  "application/zip",
		Data:      data,
	}, nil
}

func bundle(files []ExportFile, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("zip %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
