package staticfile

import (
	"mime"
	"path/filepath"
	"strings"
)

const defaultMimeType = "application/octet-stream"

// builtinMimeTypes covers extensions the platform MIME table may lack.
var builtinMimeTypes = map[string]string{
	".aac":   "audio/aac",
	".apng":  "image/apng",
	".avif":  "image/avif",
	".bz2":   "application/x-bzip2",
	".csv":   "text/csv; charset=utf-8",
	".epub":  "application/epub+zip",
	".gz":    "application/gzip",
	".ico":   "image/vnd.microsoft.icon",
	".ics":   "text/calendar; charset=utf-8",
	".jsonl": "application/jsonl",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".oga":   "audio/ogg",
	".ogv":   "video/ogg",
	".opus":  "audio/opus",
	".otf":   "font/otf",
	".tar":   "application/x-tar",
	".ttf":   "font/ttf",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".weba":  "audio/webm",
	".webm":  "video/webm",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".yaml":  "application/yaml",
	".yml":   "application/yaml",
	".7z":    "application/x-7z-compressed",
}

// mimeTypeFor resolves the content type of name. Custom overrides come first,
// then the platform table, then builtinMimeTypes.
func mimeTypeFor(name string, custom map[string]string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return defaultMimeType
	}
	if t, ok := custom[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	if t, ok := builtinMimeTypes[ext]; ok {
		return t
	}
	return defaultMimeType
}
