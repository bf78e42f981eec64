package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// BodyKind selects which arm of the Body union is populated.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyText
	BodyRaw
)

// Body is a request or response payload, decoded by declared content type:
// JSON as structured data, text/* as a string, anything else as raw bytes.
type Body struct {
	Kind BodyKind
	JSON interface{}
	Text string
	Raw  []byte
}

// ReadBody consumes an inbound request body. GET and HEAD carry none.
func ReadBody(r *http.Request) (Body, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		return Body{Kind: BodyNone}, nil
	}
	return DecodeBody(r.Body, r.Header.Get("Content-Type"))
}

// DecodeBody reads a payload from rd, dispatched by content type.
func DecodeBody(rd io.Reader, contentType string) (Body, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return Body{}, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return Body{Kind: BodyNone}, nil
	}

	switch {
	case strings.Contains(contentType, "application/json"):
		var value interface{}
		if err := json.Unmarshal(data, &value); err != nil {
			return Body{}, fmt.Errorf("parse JSON body: %w", err)
		}
		return Body{Kind: BodyJSON, JSON: value}, nil
	case strings.Contains(contentType, "text/"):
		return Body{Kind: BodyText, Text: string(data)}, nil
	default:
		return Body{Kind: BodyRaw, Raw: data}, nil
	}
}

// Encode serializes the body for transmission, returning the reader and the
// content type to set when none was carried over.
func (b Body) Encode() (io.Reader, string, error) {
	switch b.Kind {
	case BodyNone:
		return nil, "", nil
	case BodyJSON:
		data, err := json.Marshal(b.JSON)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	case BodyText:
		return strings.NewReader(b.Text), "text/plain", nil
	default:
		return bytes.NewReader(b.Raw), "application/octet-stream", nil
	}
}

// Write renders the body to a response writer. Headers and status must
// already be written by the caller.
func (b Body) Write(w io.Writer) error {
	rd, _, err := b.Encode()
	if err != nil {
		return err
	}
	if rd == nil {
		return nil
	}
	_, err = io.Copy(w, rd)
	return err
}

// TokenUsage probes a JSON body for LLM token accounting. Supports the
// OpenAI shape (usage.total_tokens) and the Anthropic shape
// (usage.input_tokens + usage.output_tokens). Returns 0 when absent.
func (b Body) TokenUsage() int {
	if b.Kind != BodyJSON {
		return 0
	}

	obj, ok := b.JSON.(map[string]interface{})
	if !ok {
		return 0
	}
	rawUsage, ok := obj["usage"]
	if !ok {
		return 0
	}

	data, err := json.Marshal(rawUsage)
	if err != nil {
		return 0
	}

	var usage openai.Usage
	if err := json.Unmarshal(data, &usage); err == nil && usage.TotalTokens > 0 {
		return usage.TotalTokens
	}

	var alt struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
	if err := json.Unmarshal(data, &alt); err == nil {
		return alt.InputTokens + alt.OutputTokens
	}

	return 0
}
