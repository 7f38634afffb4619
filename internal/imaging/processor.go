package imaging

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sort"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/Snapier494/mediacache/internal/domain"
)

// ThumbSpec bounds a named derived variant. The variant preserves the
// source aspect ratio and never upscales.
type ThumbSpec struct {
	Name   string
	Width  int
	Height int
}

// Artifact is an encoded image ready for persistence.
type Artifact struct {
	Width  int
	Height int
	Data   []byte
}

// Result carries the normalized primary artifact, its derived variants
// and the checksum of the primary's encoded bytes.
type Result struct {
	Primary  Artifact
	Thumbs   map[string]Artifact
	Checksum string
}

// Processor decodes raw payloads, validates dimensions, normalizes to
// opaque RGB and encodes everything as JPEG. Decoding and resampling are
// CPU-bound, so a semaphore caps how many run at once.
type Processor struct {
	minWidth  int
	minHeight int
	thumbs    []ThumbSpec

	sem chan struct{}
}

func NewProcessor(minWidth, minHeight int, thumbs []ThumbSpec, maxParallel int) *Processor {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	sorted := make([]ThumbSpec, len(thumbs))
	copy(sorted, thumbs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return &Processor{
		minWidth:  minWidth,
		minHeight: minHeight,
		thumbs:    sorted,
		sem:       make(chan struct{}, maxParallel),
	}
}

func (p *Processor) Process(ctx context.Context, payload []byte) (*Result, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrDecode)
	}

	src, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < p.minWidth || height < p.minHeight {
		return nil, fmt.Errorf("%w (%dx%d < %dx%d)",
			domain.ErrTooSmall, width, height, p.minWidth, p.minHeight)
	}

	normalized := normalize(src)

	primary, err := encode(normalized)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Primary:  primary,
		Thumbs:   make(map[string]Artifact, len(p.thumbs)),
		Checksum: md5hex(primary.Data),
	}

	for _, spec := range p.thumbs {
		thumb, err := encode(shrink(normalized, spec.Width, spec.Height))
		if err != nil {
			return nil, fmt.Errorf("thumbnail %q: %w", spec.Name, err)
		}
		res.Thumbs[spec.Name] = thumb
	}

	return res, nil
}

// normalize composites the image over a white background into an opaque
// RGBA buffer, the equivalent of converting to plain RGB.
func normalize(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	return dst
}

// shrink scales the image down to fit within maxWidth x maxHeight,
// keeping the aspect ratio. Images already inside the bounds are
// returned unchanged.
func shrink(src *image.RGBA, maxWidth, maxHeight int) *image.RGBA {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width <= maxWidth && height <= maxHeight {
		return src
	}

	scale := float64(maxWidth) / float64(width)
	if s := float64(maxHeight) / float64(height); s < scale {
		scale = s
	}

	newWidth := max(1, int(float64(width)*scale))
	newHeight := max(1, int(float64(height)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)
	return dst
}

func encode(img *image.RGBA) (Artifact, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", domain.ErrEncode, err)
	}

	bounds := img.Bounds()
	return Artifact{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Data:   buf.Bytes(),
	}, nil
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
