package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// FileKey maps an image URL to the storage key of its primary artifact.
// The key depends on the URL alone, so the same logical resource always
// lands at the same place no matter what request metadata rode along.
func FileKey(url string) string {
	return "full/" + urlDigest(url) + ".jpg"
}

// ThumbKey maps an image URL and a thumbnail name to the storage key of
// that derived variant.
func ThumbKey(url, thumbName string) string {
	return "thumbs/" + thumbName + "/" + urlDigest(url) + ".jpg"
}

func urlDigest(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
