package model

// UploadStatus is the lifecycle state of a PendingFile.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadError     UploadStatus = "error"
)

// ImagePreview is decoded from an image header at selection time.
type ImagePreview struct {
	MimeType string `json:"mimeType"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// PendingFile is a locally selected attachment. ID is client-local and never
// reused as a server id.
type PendingFile struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Size     int64         `json:"size"`
	MimeType string        `json:"mimeType"`
	Preview  *ImagePreview `json:"preview,omitempty"`
	Status   UploadStatus  `json:"status"`
	Progress int           `json:"progress"`
	Error    string        `json:"error,omitempty"`
	AssetID  string        `json:"assetId,omitempty"`
	FileID   string        `json:"fileId,omitempty"`
}
