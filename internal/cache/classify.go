package cache

import (
	"path"
	"strings"
)

// Class is the resource class a request belongs to.
type Class string

const (
	ClassMedia      Class = "media"
	ClassAPI        Class = "api"
	ClassNavigation Class = "navigation"
	ClassStatic     Class = "static"
)

// Strategy is how a class is served.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// StrategyFor maps a class to its strategy.
func StrategyFor(c Class) Strategy {
	switch c {
	case ClassMedia:
		return CacheFirst
	case ClassStatic:
		return StaleWhileRevalidate
	default:
		return NetworkFirst
	}
}

var mediaExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".avif": true,
	".svg": true, ".ico": true, ".mp3": true, ".ogg": true, ".wav": true, ".flac": true,
	".m4a": true, ".mp4": true, ".webm": true, ".woff": true, ".woff2": true, ".ttf": true,
}

var staticExt = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".json": true, ".webmanifest": true, ".map": true,
}

// Classify derives the class of a request from its path and whether the
// client marked it as a page navigation.
func Classify(target string, navigate bool) Class {
	p := target
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.HasPrefix(p, "/api/") || p == "/api" {
		return ClassAPI
	}
	ext := strings.ToLower(path.Ext(p))
	switch {
	case mediaExt[ext]:
		return ClassMedia
	case staticExt[ext]:
		return ClassStatic
	}
	if navigate || ext == "" || ext == ".html" || ext == ".htm" {
		return ClassNavigation
	}
	return ClassStatic
}
