package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/model"
)

// FrameType is the kind of an assistant stream frame.
type FrameType string

const (
	FrameChunk   FrameType = "chunk"
	FrameDone    FrameType = "done"
	FrameError   FrameType = "error"
	FrameSources FrameType = "sources"
	FrameCached  FrameType = "cached"
)

// Frame is one decoded assistant stream event.
type Frame struct {
	Type    FrameType      `json:"type"`
	Text    string         `json:"text,omitempty"`
	Items   []string       `json:"items,omitempty"`
	Sources []model.Source `json:"sources,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line ends the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			eventType = ""
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[5:]
			// A single leading space is part of the field separator.
			data = bytes.TrimPrefix(data, []byte(" "))
			dataLines = append(dataLines, bytes.Clone(data))
		}
		// id:, retry: and comment lines are ignored.
	}
}

// ReadFrame reads the next assistant frame. The frame type comes from the
// event field when present, otherwise from the JSON payload. Plain text
// data is treated as a chunk.
func (s *SSEReader) ReadFrame() (*Frame, error) {
	eventType, data, err := s.ReadEvent()
	if err != nil {
		return nil, err
	}
	if string(data) == "[DONE]" {
		return &Frame{Type: FrameDone}, nil
	}

	var f Frame
	if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
		if eventType == "" || eventType == string(FrameChunk) {
			return &Frame{Type: FrameChunk, Text: string(data)}, nil
		}
		return nil, fmt.Errorf("%w: %s frame: %v", ErrMalformed, eventType, jsonErr)
	}
	if eventType != "" && eventType != "message" {
		f.Type = FrameType(eventType)
	}
	switch f.Type {
	case FrameChunk, FrameDone, FrameError, FrameSources, FrameCached:
		return &f, nil
	}
	return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformed, f.Type)
}
