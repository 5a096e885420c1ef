package transport

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReadFrameSequence(t *testing.T) {
	stream := strings.Join([]string{
		"event: sources",
		`data: {"sources":[{"id":"s1","title":"Doc"}]}`,
		"",
		`data: {"type":"chunk","text":"Hello"}`,
		"",
		": keep-alive comment",
		"data:  world",
		"",
		"event: done",
		"data: {}",
		"",
	}, "\n")

	r := NewSSEReader(strings.NewReader(stream))

	f, err := r.ReadFrame()
	if err != nil || f.Type != FrameSources || len(f.Sources) != 1 || f.Sources[0].ID != "s1" {
		t.Fatalf("frame 1 = %+v, %v; want sources s1", f, err)
	}
	f, err = r.ReadFrame()
	if err != nil || f.Type != FrameChunk || f.Text != "Hello" {
		t.Fatalf("frame 2 = %+v, %v; want chunk Hello", f, err)
	}
	f, err = r.ReadFrame()
	if err != nil || f.Type != FrameChunk || f.Text != " world" {
		t.Fatalf("frame 3 = %+v, %v; want plain chunk ' world'", f, err)
	}
	f, err = r.ReadFrame()
	if err != nil || f.Type != FrameDone {
		t.Fatalf("frame 4 = %+v, %v; want done", f, err)
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
}

func TestReadEventJoinsDataLines(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: line one\ndata: line two\n\n"))
	_, data, err := r.ReadEvent()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line one\nline two" {
		t.Errorf("data = %q", data)
	}
}

func TestReadEventWithoutTrailingBlankLine(t *testing.T) {
	r := NewSSEReader(strings.NewReader(`data: {"type":"cached","text":"x"}`))
	f, err := r.ReadFrame()
	if err != nil || f.Type != FrameCached {
		t.Errorf("frame = %+v, %v; want cached", f, err)
	}
}

func TestReadFrameDoneSentinel(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: [DONE]\n\n"))
	f, err := r.ReadFrame()
	if err != nil || f.Type != FrameDone {
		t.Errorf("frame = %+v, %v; want done", f, err)
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	r := NewSSEReader(strings.NewReader(`data: {"type":"telemetry"}` + "\n\n"))
	if _, err := r.ReadFrame(); !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}
