// Package media resolves uploaded media references into stable URLs. The
// core never holds file bytes.
package media

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var ErrNotFound = errors.New("media not found")

// Store returns a stable URL for a stored object key.
type Store interface {
	URL(ctx context.Context, key string) (string, error)
}

// IsReference reports whether ref is a store key rather than an absolute URL.
func IsReference(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return true
	}
	return u.Scheme == "" || u.Host == ""
}

// Resolve returns ref unchanged when it is already an absolute URL and asks
// st otherwise.
func Resolve(ctx context.Context, st Store, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNotFound
	}
	if !IsReference(ref) {
		return ref, nil
	}
	if st == nil {
		return "", ErrNotFound
	}
	return st.URL(ctx, ref)
}

// Static maps keys onto a public base URL, e.g. a CDN bucket.
type Static struct {
	BaseURL string
}

func (s Static) URL(_ context.Context, key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" || s.BaseURL == "" {
		return "", ErrNotFound
	}
	return url.JoinPath(s.BaseURL, key)
}
