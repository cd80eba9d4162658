// Package download implements the torrent download worker: it drives a
// job-scoped torrent engine with fast-resume, persists progress, and hands
// finished jobs to the upload streams.
package download

import (
	"path"
	"strings"

	"github.com/seedrelay/seedrelay/internal/constants"
)

// NormalizePath lowercases a relative path and normalizes separators to "/".
func NormalizePath(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
}

// MatchesSelection reports whether filePath is selected. A nil selection
// means all files. A file matches when its normalized path equals a selected
// entry or is a descendant of one; matching is case-insensitive.
func MatchesSelection(filePath string, selection []string) bool {
	if len(selection) == 0 {
		return true
	}

	candidate := NormalizePath(filePath)
	for _, entry := range selection {
		selected := strings.TrimSuffix(NormalizePath(entry), "/")
		if selected == "" {
			continue
		}
		if candidate == selected || strings.HasPrefix(candidate, selected+"/") {
			return true
		}
	}
	return false
}

// engineMetadataNames are exact file names owned by the torrent engine.
var engineMetadataNames = map[string]bool{
	"dht_nodes.cache": true,
	"fastresume":      true,
}

// engineMetadataSuffixes are extensions owned by the torrent engine. The
// piece-completion bolt store lives next to the payload as well.
var engineMetadataSuffixes = []string{
	constants.FastResumeSuffix,
	".dht",
	".bolt.db",
	".fresume.tmp",
}

// IsEngineMetadata reports whether name is torrent-engine bookkeeping that
// must be excluded from the uploaded set. .torrent files bundled inside user
// content are uploaded by default; pass uploadTorrents=false to exclude them.
func IsEngineMetadata(name string, uploadTorrents bool) bool {
	base := strings.ToLower(path.Base(NormalizePath(name)))
	if engineMetadataNames[base] {
		return true
	}
	for _, suffix := range engineMetadataSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	if !uploadTorrents && strings.HasSuffix(base, ".torrent") {
		return true
	}
	return false
}
