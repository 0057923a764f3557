package staticfile

import (
	"fmt"
	"html"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type listingEntry struct {
	name    string
	dir     bool
	size    int64
	modTime time.Time
}

// renderListing renders the HTML index of dir, which is served at webPath.
// Directories come first, then files, each sorted by name.
func renderListing(dir, webPath string, now time.Time) ([]byte, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}
	entries := make([]listingEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, listingEntry{name: de.Name(), dir: fi.IsDir(), size: fi.Size(), modTime: fi.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].dir != entries[j].dir {
			return entries[i].dir
		}
		return strings.ToLower(entries[i].name) < strings.ToLower(entries[j].name)
	})

	title := html.EscapeString(webPath)
	var sb strings.Builder
	fmt.Fprintf(&sb, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Index of %s</title></head><body>\n", title)
	fmt.Fprintf(&sb, "<h1>Index of %s</h1>\n<table>\n<tr><th>Name</th><th>Size</th><th>Modified</th></tr>\n", title)
	if webPath != "/" {
		parent := path.Dir(strings.TrimSuffix(webPath, "/"))
		if parent != "/" {
			parent += "/"
		}
		fmt.Fprintf(&sb, "<tr><td><a href=\"%s\">../</a></td><td>-</td><td></td></tr>\n", html.EscapeString(parent))
	}
	for _, e := range entries {
		name, href, size := e.name, url.PathEscape(e.name), humanize.Bytes(uint64(e.size))
		if e.dir {
			name += "/"
			href += "/"
			size = "-"
		}
		fmt.Fprintf(&sb, "<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td title=\"%s\">%s</td></tr>\n",
			html.EscapeString(webPath+href),
			html.EscapeString(name),
			size,
			e.modTime.UTC().Format(time.RFC3339),
			humanize.RelTime(e.modTime, now, "ago", "from now"),
		)
	}
	sb.WriteString("</table>\n</body></html>\n")
	return []byte(sb.String()), nil
}
