package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrUnknownFile    = errors.New("upload: unknown file")
	ErrUploadsPending = errors.New("upload: attachments still uploading")
	ErrUploadsFailed  = errors.New("upload: failed attachments must be retried or removed")
	// ErrAborted is returned by StartUpload when the file was removed mid-flight.
	ErrAborted = errors.New("upload: aborted")
)

// API is the REST surface used to move a file to object storage.
type API interface {
	Presign(ctx context.Context, req transport.PresignRequest) (*transport.PresignResponse, error)
	UploadObject(ctx context.Context, uploadURL string, headers map[string]string, body io.Reader, size int64, mimeType string) error
	ConfirmUpload(ctx context.Context, assetID string) (*model.Attachment, error)
}

// validTransitions defines allowed upload status transitions.
var validTransitions = map[model.UploadStatus][]model.UploadStatus{
	model.UploadPending:   {model.UploadUploading, model.UploadError},
	model.UploadUploading: {model.UploadCompleted, model.UploadError},
	model.UploadError:     {model.UploadPending},
}

type entry struct {
	file       model.PendingFile
	local      LocalFile
	gen        uint64
	cancel     context.CancelFunc
	attachment *model.Attachment
}

// Manager tracks the attachments of one compose session.
type Manager struct {
	composeID string
	api       API
	bus       *bus.Bus
	logger    *zap.Logger

	mu    sync.Mutex
	order []string
	files map[string]*entry
	gen   uint64
}

// NewManager creates an empty compose session.
func NewManager(composeID string, api API, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		composeID: composeID,
		api:       api,
		bus:       b,
		logger:    logger.With(zap.String("compose_id", composeID)),
		files:     make(map[string]*entry),
	}
}

// Select adds one pending entry per file. Image previews are decoded here.
func (m *Manager) Select(files []LocalFile) []model.PendingFile {
	out := make([]model.PendingFile, 0, len(files))
	added := make([]*entry, 0, len(files))
	for _, f := range files {
		e := &entry{
			local: f,
			file: model.PendingFile{
				ID:       uuid.NewString(),
				Name:     f.Name,
				Size:     f.Size,
				MimeType: f.MimeType,
				Preview:  preview(f),
				Status:   model.UploadPending,
			},
		}
		added = append(added, e)
		out = append(out, e.file)
	}

	m.mu.Lock()
	for _, e := range added {
		m.files[e.file.ID] = e
		m.order = append(m.order, e.file.ID)
	}
	m.mu.Unlock()

	for _, e := range added {
		m.changed(e.file.ID)
	}
	return out
}

// StartUpload presigns, uploads and confirms a pending file. It blocks until
// the file is completed or failed. A file removed mid-flight yields
// ErrAborted and no further state change.
func (m *Manager) StartUpload(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownFile
	}
	if e.file.Status != model.UploadPending {
		status := e.file.Status
		m.mu.Unlock()
		return fmt.Errorf("upload %s: cannot start from %s", id, status)
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	e.gen = gen
	e.cancel = cancel
	local := e.local
	m.mu.Unlock()
	defer cancel()

	presigned, err := m.api.Presign(ctx, transport.PresignRequest{Name: local.Name, MimeType: local.MimeType, Size: local.Size})
	if err != nil {
		return m.fail(id, gen, "presign", err)
	}
	if !m.transition(id, gen, model.UploadUploading, func(f *model.PendingFile) {
		f.AssetID = presigned.AssetID
		f.FileID = presigned.FileID
		f.Progress = 0
		f.Error = ""
	}) {
		return ErrAborted
	}

	body, err := local.Open()
	if err != nil {
		return m.fail(id, gen, "open", err)
	}
	defer body.Close()

	pr := &progressReader{r: body, size: local.Size, report: func(pct int) { m.progress(id, gen, pct) }}
	if err := m.api.UploadObject(ctx, presigned.UploadURL, presigned.Headers, pr, local.Size, local.MimeType); err != nil {
		return m.fail(id, gen, "upload", err)
	}

	att, err := m.api.ConfirmUpload(ctx, presigned.AssetID)
	if err != nil {
		return m.fail(id, gen, "confirm", err)
	}
	if att == nil {
		att = &model.Attachment{}
	}
	if att.AssetID == "" {
		att.AssetID = presigned.AssetID
	}
	if att.FileID == "" {
		att.FileID = presigned.FileID
	}
	if att.MimeType == "" {
		att.MimeType = local.MimeType
	}
	if att.Size == 0 {
		att.Size = local.Size
	}
	if att.Name == "" {
		att.Name = local.Name
	}
	if !m.transition(id, gen, model.UploadCompleted, func(f *model.PendingFile) { f.Progress = 100 }) {
		return ErrAborted
	}

	m.mu.Lock()
	if e, ok := m.files[id]; ok && e.gen == gen {
		e.attachment = att
		e.cancel = nil
	}
	m.mu.Unlock()

	metrics.Uploads.WithLabelValues("completed").Inc()
	metrics.UploadBytes.Add(float64(local.Size))
	m.logger.Info("upload completed", zap.String("file_id", id), zap.String("asset_id", att.AssetID))
	return nil
}

// Retry moves a failed file back to pending and starts it again.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownFile
	}
	if e.file.Status != model.UploadError {
		status := e.file.Status
		m.mu.Unlock()
		return fmt.Errorf("upload %s: cannot retry from %s", id, status)
	}
	e.file.Status = model.UploadPending
	e.file.Error = ""
	e.file.Progress = 0
	m.mu.Unlock()
	m.changed(id)

	return m.StartUpload(ctx, id)
}

// Remove drops a file, aborting its upload if one is running.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	e, ok := m.files[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(m.files, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.mu.Unlock()

	m.changed(id)
	return true
}

// Clear aborts every upload and empties the session.
func (m *Manager) Clear() {
	m.mu.Lock()
	ids := slices.Clone(m.order)
	for _, e := range m.files {
		if e.cancel != nil {
			e.cancel()
		}
	}
	m.files = make(map[string]*entry)
	m.order = nil
	m.mu.Unlock()

	for _, id := range ids {
		m.changed(id)
	}
}

// CanSend reports whether a message may be sent with this session's
// attachments: every file must be completed.
func (m *Manager) CanSend() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := false
	for _, e := range m.files {
		switch e.file.Status {
		case model.UploadError:
			return ErrUploadsFailed
		case model.UploadCompleted:
		default:
			pending = true
		}
	}
	if pending {
		return ErrUploadsPending
	}
	return nil
}

// Attachments returns the confirmed attachments in selection order.
func (m *Manager) Attachments() []model.Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Attachment
	for _, id := range m.order {
		if e := m.files[id]; e.attachment != nil {
			out = append(out, *e.attachment)
		}
	}
	return out
}

// Files returns a snapshot of every file in selection order.
func (m *Manager) Files() []model.PendingFile {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.PendingFile, 0, len(m.order))
	for _, id := range m.order {
		f := m.files[id].file
		if f.Preview != nil {
			p := *f.Preview
			f.Preview = &p
		}
		out = append(out, f)
	}
	return out
}

// File returns one file by id.
func (m *Manager) File(id string) (model.PendingFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[id]
	if !ok {
		return model.PendingFile{}, false
	}
	return e.file, true
}

// transition applies to, if the file still belongs to upload gen and the
// move is allowed. Reports whether it was applied.
func (m *Manager) transition(id string, gen uint64, to model.UploadStatus, update func(*model.PendingFile)) bool {
	m.mu.Lock()
	e, ok := m.files[id]
	if !ok || e.gen != gen || !slices.Contains(validTransitions[e.file.Status], to) {
		m.mu.Unlock()
		return false
	}
	e.file.Status = to
	if update != nil {
		update(&e.file)
	}
	m.mu.Unlock()

	m.changed(id)
	return true
}

func (m *Manager) progress(id string, gen uint64, pct int) {
	m.mu.Lock()
	e, ok := m.files[id]
	if !ok || e.gen != gen || e.file.Status != model.UploadUploading || pct <= e.file.Progress {
		m.mu.Unlock()
		return
	}
	e.file.Progress = pct
	m.mu.Unlock()
	m.changed(id)
}

func (m *Manager) fail(id string, gen uint64, step string, err error) error {
	applied := m.transition(id, gen, model.UploadError, func(f *model.PendingFile) {
		f.Error = fmt.Sprintf("%s: %v", step, err)
	})
	if !applied {
		return ErrAborted
	}
	m.mu.Lock()
	if e, ok := m.files[id]; ok && e.gen == gen {
		e.cancel = nil
	}
	m.mu.Unlock()

	metrics.Uploads.WithLabelValues("failed").Inc()
	m.logger.Warn("upload failed", zap.String("file_id", id), zap.String("step", step), zap.Error(err))
	return fmt.Errorf("upload %s: %s: %w", id, step, err)
}

func (m *Manager) changed(id string) {
	m.bus.Emit(bus.KindUploadChanged, bus.UploadRef{ComposeID: m.composeID, FileID: id})
}
