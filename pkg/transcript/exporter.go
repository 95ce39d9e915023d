package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatText Format = "txt"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Exporter renders a chronologically ordered, non-empty transcript.
type Exporter interface {
	Export(t Transcript, w io.Writer) error
	Extension() string
	MimeType() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format Format) (Exporter, error) {
	switch format {
	case FormatText:
		return &TextExporter{}, nil
	case FormatJSON:
		return &JSONExporter{}, nil
	case FormatYAML:
		return &YAMLExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: txt, json, yaml)", format)
	}
}

type TextExporter struct{}

func (e *TextExporter) Export(t Transcript, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Character: %s (%s)\n", t.Meta.CharacterName, t.Meta.CharacterID)
	fmt.Fprintf(&b, "Chat ID: %s\n", t.Meta.ChatID)
	fmt.Fprintf(&b, "Messages: %d\n", len(t.Messages))
	fmt.Fprintf(&b, "%s - %s\n", PrettyUTC(t.start()), PrettyUTC(t.end()))
	b.WriteString(strings.Repeat("=", 60))
	b.WriteString("\n\n")

	for _, msg := range t.Messages {
		author := "You"
		if !msg.AuthorIsHuman {
			author = msg.AuthorName + " [bot]"
		}
		fmt.Fprintf(&b, "%s - %s\n", author, PrettyUTC(msg.Timestamp))
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (e *TextExporter) Extension() string { return "txt" }
func (e *TextExporter) MimeType() string  { return "text/plain" }

type document struct {
	CharacterName string            `json:"character_name" yaml:"character_name"`
	CharacterID   string            `json:"character_id" yaml:"character_id"`
	ChatID        string            `json:"chat_id" yaml:"chat_id"`
	StartTime     string            `json:"start_time" yaml:"start_time"`
	EndTime       string            `json:"end_time" yaml:"end_time"`
	Messages      []documentMessage `json:"messages" yaml:"messages"`
}

type documentMessage struct {
	Timestamp     string `json:"timestamp" yaml:"timestamp"`
	AuthorName    string `json:"author_name" yaml:"author_name"`
	AuthorIsHuman bool   `json:"author_is_human" yaml:"author_is_human"`
	Content       string `json:"content" yaml:"content"`
}

func toDocument(t Transcript) document {
	doc := document{
		CharacterName: t.Meta.CharacterName,
		CharacterID:   t.Meta.CharacterID,
		ChatID:        t.Meta.ChatID,
		StartTime:     PrettyUTC(t.start()),
		EndTime:       PrettyUTC(t.end()),
		Messages:      make([]documentMessage, 0, len(t.Messages)),
	}
	for _, msg := range t.Messages {
		doc.Messages = append(doc.Messages, documentMessage{
			Timestamp:     PrettyUTC(msg.Timestamp),
			AuthorName:    msg.AuthorName,
			AuthorIsHuman: msg.AuthorIsHuman,
			Content:       msg.Content,
		})
	}
	return doc
}

// JSONExporter exports transcripts as pretty-printed JSON
type JSONExporter struct{}

func (e *JSONExporter) Export(t Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(toDocument(t))
}

func (e *JSONExporter) Extension() string { return "json" }
func (e *JSONExporter) MimeType() string  { return "application/json" }

type YAMLExporter struct{}

func (e *YAMLExporter) Export(t Transcript, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()

	return enc.Encode(toDocument(t))
}

func (e *YAMLExporter) Extension() string { return "yaml" }
func (e *YAMLExporter) MimeType() string  { return "application/yaml" }
