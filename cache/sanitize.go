package cache

import (
	"regexp"
	"strings"
)

const (
	// FrontPageKey is the reserved key for the site's designated front page.
	FrontPageKey = "_front-page"

	// variantNamespace is the directory under the cache root that holds named variants.
	variantNamespace = "variant"

	maxVariantLength = 32
)

var (
	allowedKeyChars  = regexp.MustCompile(`^[a-zA-Z0-9\-_/]+$`)
	reservedDevice   = regexp.MustCompile(`(?i)^(CON|PRN|AUX|NUL|COM[0-9]|LPT[0-9])$`)
	invalidVariantRe = regexp.MustCompile(`[^a-z0-9_-]+`)
)

// Sanitize normalizes a request path into a filesystem-safe cache key.
// It returns false when the path must be rejected.
func Sanitize(raw string) (string, bool) {
	if strings.ContainsRune(raw, 0) {
		return "", false
	}
	if !allowedKeyChars.MatchString(raw) {
		return "", false
	}

	clean := make([]string, 0, strings.Count(raw, "/")+1)
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", false
		}
		if reservedDevice.MatchString(seg) {
			return "", false
		}
		clean = append(clean, seg)
	}

	if len(clean) == 0 {
		return "", false
	}
	return strings.Join(clean, "/"), true
}

// SanitizeVariant lowercases a variant name and strips it to [a-z0-9_-], max 32 chars.
// The empty string is the default variant.
func SanitizeVariant(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return ""
	}
	v = invalidVariantRe.ReplaceAllString(v, "")
	if len(v) > maxVariantLength {
		v = v[:maxVariantLength]
	}
	return v
}

// KeyForPath derives the cache key for a canonical entity path. The empty path is
// the front page. Paths that would land on a reserved name are rejected so that no
// two (path, variant) pairs share a file.
func KeyForPath(path string) (string, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return FrontPageKey, true
	}

	key, ok := Sanitize(path)
	if !ok {
		return "", false
	}
	if key == FrontPageKey {
		return "", false
	}
	if first, _, _ := strings.Cut(key, "/"); first == variantNamespace {
		return "", false
	}
	return key, true
}

// CanonicalPath is the inverse of KeyForPath for keys it produced.
func CanonicalPath(key string) string {
	if key == FrontPageKey {
		return ""
	}
	return key
}
