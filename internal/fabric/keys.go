package fabric

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// maxKeyPathLen is the longest relative path embedded verbatim in a cache
// key. Longer paths are replaced with a truncated digest so keys stay short
// while remaining collision-free within a job's key space.
const maxKeyPathLen = 100

// digestPrefixLen is how many base64 characters of the SHA-256 digest are
// kept when a path is substituted.
const digestPrefixLen = 20

// SanitizePath normalizes a relative path for use inside a Redis key.
// Backslashes become forward slashes; paths over 100 characters are replaced
// with the first 20 base64 characters of their SHA-256 digest.
func SanitizePath(path string) string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	if len(normalized) <= maxKeyPathLen {
		return normalized
	}
	sum := sha256.Sum256([]byte(normalized))
	return base64.StdEncoding.EncodeToString(sum[:])[:digestPrefixLen]
}

// ResumeURIKey is where the Drive resumable-session URI for one file lives.
func ResumeURIKey(jobID uint, relativePath string) string {
	return fmt.Sprintf("gdrive:resume:%d:%s", jobID, SanitizePath(relativePath))
}

// CompletedFileKey marks one file as fully uploaded to Drive; the value is
// the Drive file id.
func CompletedFileKey(jobID uint, relativePath string) string {
	return fmt.Sprintf("gdrive:completed:%d:%s", jobID, SanitizePath(relativePath))
}

// RootFolderKey holds the Drive folder id created for a job.
func RootFolderKey(jobID uint) string {
	return fmt.Sprintf("gdrive:rootfolder:%d", jobID)
}

// LockKey is the provider lock for a job. provider is "gdrive" or "s3".
func LockKey(provider string, jobID uint) string {
	return fmt.Sprintf("%s:lock:%d", provider, jobID)
}
