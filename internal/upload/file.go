package upload

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/chatsync/internal/model"
)

// LocalFile is a file chosen for attachment. Open may be called more than
// once: for the preview and again for every upload attempt.
type LocalFile struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// FromPath describes a file on disk. The content type comes from the
// extension, or from sniffing the first bytes when the extension is unknown.
func FromPath(path string) (LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return LocalFile{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return LocalFile{}, fmt.Errorf("attachment %s is a directory", path)
	}

	f := LocalFile{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		Open:     func() (io.ReadCloser, error) { return os.Open(path) },
	}
	if f.MimeType == "" {
		f.MimeType = sniff(f)
	}
	return f, nil
}

// FromBytes describes an in-memory file.
func FromBytes(name, mimeType string, data []byte) LocalFile {
	return LocalFile{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Open:     func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func sniff(f LocalFile) string {
	r, err := f.Open()
	if err != nil {
		return "application/octet-stream"
	}
	defer r.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(r, head)
	return http.DetectContentType(head[:n])
}

// preview decodes image dimensions from the header only. Files that are not
// decodable images get no preview.
func preview(f LocalFile) *model.ImagePreview {
	if !strings.HasPrefix(f.MimeType, "image/") || f.Open == nil {
		return nil
	}
	r, err := f.Open()
	if err != nil {
		return nil
	}
	defer r.Close()
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil
	}
	return &model.ImagePreview{MimeType: f.MimeType, Width: cfg.Width, Height: cfg.Height}
}

// progressReader reports upload progress as a percentage, never going
// backwards and never above 100.
type progressReader struct {
	r      io.Reader
	size   int64
	read   int64
	last   int
	report func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.size > 0 && n > 0 {
		pct := int(p.read * 100 / p.size)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
