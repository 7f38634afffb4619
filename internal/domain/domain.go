package domain

import "errors"

// MediaStatus describes how the pipeline resolved a single image URL.
type MediaStatus string

const (
	// StatusNew marks an image persisted for the first time.
	StatusNew MediaStatus = "new"
	// StatusUptodate marks an image whose stored copy was still fresh,
	// so no download happened.
	StatusUptodate MediaStatus = "uptodate"
	// StatusExpired marks an image that was stored before but aged past
	// the expiry window and got refetched.
	StatusExpired MediaStatus = "expired"
	// StatusFailed marks an image that could not be downloaded or
	// processed.
	StatusFailed MediaStatus = "failed"
)

// Item is the unit of work flowing through the pipeline. It is created
// upstream, enriched in place and forwarded (or dropped) exactly once.
type Item struct {
	ID string `json:"id"`

	ImageURLs []string          `json:"image_urls"`
	Fields    map[string]string `json:"fields,omitempty"`

	// Images holds one result per entry of ImageURLs, in the same order.
	Images []ImageResult `json:"images,omitempty"`
}

// ImageResult records the outcome for one referenced image.
type ImageResult struct {
	URL      string      `json:"url"`
	Path     string      `json:"path,omitempty"`
	Checksum string      `json:"checksum,omitempty"`
	Status   MediaStatus `json:"status"`
	Error    string      `json:"error,omitempty"`
}

var (
	ErrDownload = errors.New("download failed")
	ErrDecode   = errors.New("image cannot be decoded")
	ErrTooSmall = errors.New("image too small")
	ErrEncode   = errors.New("image cannot be encoded")

	// ErrItemDropped is returned by the pipeline when the failure policy
	// decides the whole item must be discarded.
	ErrItemDropped = errors.New("item dropped")
	// ErrNoImages signals that none of the item's images survived.
	ErrNoImages = errors.New("item has no images")
)
