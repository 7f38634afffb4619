package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Digest identifies the semantic resource a request points to. It is
// opaque: compare for equality, never decode.
type Digest [sha256.Size]byte

func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

// Options select which parts of a request take part in its identity.
// By default headers are ignored (cookies and the like add random noise)
// and so are URL fragments, which servers do not see.
type Options struct {
	IncludeHeaders []string
	KeepFragments  bool
}

// Request carries the identity-relevant parts of an outbound request.
// Fields must not be mutated once a fingerprint has been computed; the
// cached digest is not invalidated.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string][]string

	cache map[string]Digest
}

// Fingerprint returns the request's digest for the given options,
// computing and caching it on first use. Two requests that differ only
// in query-parameter order, fragment (unless kept) or ignored headers
// produce the same digest.
func (r *Request) Fingerprint(opts Options) Digest {
	key := cacheKey(opts)
	if d, ok := r.cache[key]; ok {
		return d
	}

	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalURL(r.URL, opts.KeepFragments)))
	h.Write([]byte{0})
	h.Write(r.Body)

	if len(opts.IncludeHeaders) > 0 {
		names := make([]string, 0, len(opts.IncludeHeaders))
		for _, name := range opts.IncludeHeaders {
			names = append(names, strings.ToLower(name))
		}
		sort.Strings(names)

		lowered := make(map[string][]string, len(r.Headers))
		for name, values := range r.Headers {
			lowered[strings.ToLower(name)] = values
		}

		for _, name := range names {
			values, ok := lowered[name]
			if !ok {
				continue
			}
			h.Write([]byte{0})
			h.Write([]byte(name))
			for _, v := range values {
				h.Write([]byte{0})
				h.Write([]byte(v))
			}
		}
	}

	var d Digest
	h.Sum(d[:0])

	if r.cache == nil {
		r.cache = make(map[string]Digest, 1)
	}
	r.cache[key] = d
	return d
}

func cacheKey(opts Options) string {
	if len(opts.IncludeHeaders) == 0 && !opts.KeepFragments {
		return ""
	}
	names := make([]string, 0, len(opts.IncludeHeaders))
	for _, name := range opts.IncludeHeaders {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	var sb strings.Builder
	if opts.KeepFragments {
		sb.WriteByte('#')
	}
	sb.WriteString(strings.Join(names, ","))
	return sb.String()
}

// CanonicalURL normalizes a URL so that equivalent forms hash equally:
// scheme and host lowercased, query parameters sorted, empty path
// rewritten to "/", fragment stripped unless keepFragments. Unparseable
// URLs are returned as-is.
func CanonicalURL(rawURL string, keepFragments bool) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	if !keepFragments {
		u.Fragment = ""
	}
	u.RawQuery = sortQuery(u.RawQuery)

	return u.String()
}

func sortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}
