package api

import "strings"

// ResolveURL turns a media path returned by the backend (avatars, message
// images) into an absolute URL. Empty stays empty and absolute http(s)
// URLs are returned unchanged.
func ResolveURL(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
