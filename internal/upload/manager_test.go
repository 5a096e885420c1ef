package upload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
)

// fakeAPI drives the three upload steps. failUpload makes the PUT fail;
// hold, when set, blocks the PUT until closed or cancelled.
type fakeAPI struct {
	mu         sync.Mutex
	failUpload error
	hold       chan struct{}
	entered    chan struct{}
	uploaded   []string
	confirmed  []string
}

func (f *fakeAPI) Presign(ctx context.Context, req transport.PresignRequest) (*transport.PresignResponse, error) {
	return &transport.PresignResponse{AssetID: "asset-" + req.Name, FileID: "file-" + req.Name, UploadURL: "https://store/" + req.Name}, nil
}

func (f *fakeAPI) UploadObject(ctx context.Context, url string, headers map[string]string, body io.Reader, size int64, mimeType string) error {
	f.mu.Lock()
	hold, entered, fail := f.hold, f.entered, f.failUpload
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("short body")
	}
	f.mu.Lock()
	f.uploaded = append(f.uploaded, url)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) ConfirmUpload(ctx context.Context, assetID string) (*model.Attachment, error) {
	f.mu.Lock()
	f.confirmed = append(f.confirmed, assetID)
	f.mu.Unlock()
	return &model.Attachment{ID: "att-" + assetID, AssetID: assetID}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSelectDecodesImagePreview(t *testing.T) {
	m := NewManager("c1", &fakeAPI{}, nil, nil)
	files := m.Select([]LocalFile{
		FromBytes("cat.png", "image/png", pngBytes(t, 4, 3)),
		FromBytes("notes.txt", "text/plain", []byte("hello")),
	})
	if len(files) != 2 {
		t.Fatalf("selected %d files, want 2", len(files))
	}
	if p := files[0].Preview; p == nil || p.Width != 4 || p.Height != 3 {
		t.Errorf("image preview = %+v, want 4x3", p)
	}
	if files[1].Preview != nil {
		t.Error("text file should have no preview")
	}
	for _, f := range files {
		if f.Status != model.UploadPending {
			t.Errorf("%s status = %s, want pending", f.Name, f.Status)
		}
	}
}

func TestUploadLifecycle(t *testing.T) {
	api := &fakeAPI{}
	b := bus.New()
	events, unsub := b.Subscribe("upload.", 64)
	defer unsub()

	m := NewManager("c1", api, b, nil)
	f := m.Select([]LocalFile{FromBytes("a.txt", "text/plain", bytes.Repeat([]byte("x"), 1000))})[0]

	if err := m.CanSend(); !errors.Is(err, ErrUploadsPending) {
		t.Errorf("CanSend() before upload = %v, want ErrUploadsPending", err)
	}
	if err := m.StartUpload(context.Background(), f.ID); err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}
	got, _ := m.File(f.ID)
	if got.Status != model.UploadCompleted || got.Progress != 100 || got.AssetID != "asset-a.txt" {
		t.Errorf("file = %+v", got)
	}
	if err := m.CanSend(); err != nil {
		t.Errorf("CanSend() after upload = %v", err)
	}
	atts := m.Attachments()
	if len(atts) != 1 || atts[0].AssetID != "asset-a.txt" || atts[0].Name != "a.txt" {
		t.Errorf("attachments = %+v", atts)
	}

	select {
	case evt := <-events:
		if ref := evt.Payload.(bus.UploadRef); ref.ComposeID != "c1" {
			t.Errorf("event compose id = %q", ref.ComposeID)
		}
	case <-time.After(time.Second):
		t.Error("no upload.changed events")
	}
}

func TestUploadFailureKeepsFileForRetry(t *testing.T) {
	api := &fakeAPI{failUpload: errors.New("connection reset")}
	m := NewManager("c1", api, nil, nil)
	f := m.Select([]LocalFile{FromBytes("a.txt", "text/plain", []byte("data"))})[0]

	if err := m.StartUpload(context.Background(), f.ID); err == nil {
		t.Fatal("StartUpload() should fail")
	}
	got, ok := m.File(f.ID)
	if !ok || got.Status != model.UploadError || got.Error == "" {
		t.Fatalf("file = %+v, %v; want error state kept", got, ok)
	}
	if err := m.CanSend(); !errors.Is(err, ErrUploadsFailed) {
		t.Errorf("CanSend() = %v, want ErrUploadsFailed", err)
	}

	api.mu.Lock()
	api.failUpload = nil
	api.mu.Unlock()
	if err := m.Retry(context.Background(), f.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got, _ := m.File(f.ID); got.Status != model.UploadCompleted {
		t.Errorf("status after retry = %s", got.Status)
	}
}

func TestRemoveFailedFileUnblocksSend(t *testing.T) {
	m := NewManager("c1", &fakeAPI{failUpload: errors.New("boom")}, nil, nil)
	f := m.Select([]LocalFile{FromBytes("a.txt", "text/plain", []byte("data"))})[0]
	_ = m.StartUpload(context.Background(), f.ID)

	if !m.Remove(f.ID) {
		t.Fatal("Remove() = false")
	}
	if err := m.CanSend(); err != nil {
		t.Errorf("CanSend() = %v, want nil with no files", err)
	}
}

func TestRemoveDuringUploadGatesLateCallbacks(t *testing.T) {
	api := &fakeAPI{hold: make(chan struct{}), entered: make(chan struct{})}
	m := NewManager("c1", api, nil, nil)
	f := m.Select([]LocalFile{FromBytes("a.txt", "text/plain", []byte("data"))})[0]

	done := make(chan error, 1)
	go func() { done <- m.StartUpload(context.Background(), f.ID) }()
	<-api.entered

	if got, _ := m.File(f.ID); got.Status != model.UploadUploading {
		t.Fatalf("status = %s, want uploading", got.Status)
	}
	m.Remove(f.ID)

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("StartUpload() error = %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upload not aborted")
	}
	if _, ok := m.File(f.ID); ok {
		t.Error("removed file came back")
	}
	if len(m.Files()) != 0 {
		t.Errorf("files = %+v, want none", m.Files())
	}
}

func TestStartUploadRejectsWrongState(t *testing.T) {
	m := NewManager("c1", &fakeAPI{}, nil, nil)
	f := m.Select([]LocalFile{FromBytes("a.txt", "text/plain", []byte("data"))})[0]
	if err := m.StartUpload(context.Background(), f.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.StartUpload(context.Background(), f.ID); err == nil {
		t.Error("starting a completed upload should fail")
	}
	if err := m.Retry(context.Background(), f.ID); err == nil {
		t.Error("retrying a completed upload should fail")
	}
	if err := m.StartUpload(context.Background(), "nope"); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("error = %v, want ErrUnknownFile", err)
	}
}

func TestProgressReaderIsMonotonic(t *testing.T) {
	var seen []int
	pr := &progressReader{r: bytes.NewReader(make([]byte, 10)), size: 4, report: func(p int) { seen = append(seen, p) }}
	buf := make([]byte, 3)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
	}
	if seen[len(seen)-1] != 100 {
		t.Errorf("last progress = %d, want capped at 100", seen[len(seen)-1])
	}
}

func TestFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, pngBytes(t, 2, 2), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := FromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "pic.png" || f.MimeType != "image/png" || f.Size == 0 {
		t.Errorf("file = %+v", f)
	}

	raw := filepath.Join(dir, "blob")
	if err := os.WriteFile(raw, []byte("plain words"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err = FromPath(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.MimeType != "text/plain; charset=utf-8" {
		t.Errorf("sniffed mime = %q", f.MimeType)
	}
	if _, err := FromPath(dir); err == nil {
		t.Error("directory should be rejected")
	}
}
