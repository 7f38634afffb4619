package pipeline

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileKey(t *testing.T) {
	key := FileKey("http://example.com/a.png")

	assert.Regexp(t, regexp.MustCompile(`^full/[0-9a-f]{64}\.jpg$`), key)
	assert.Equal(t, key, FileKey("http://example.com/a.png"))
	assert.NotEqual(t, key, FileKey("http://example.com/b.png"))
}

func TestThumbKey(t *testing.T) {
	key := ThumbKey("http://example.com/a.png", "small")

	assert.Regexp(t, regexp.MustCompile(`^thumbs/small/[0-9a-f]{64}\.jpg$`), key)

	// Same URL digest as the primary key.
	full := FileKey("http://example.com/a.png")
	assert.Equal(t, full[len("full/"):], key[len("thumbs/small/"):])
}
