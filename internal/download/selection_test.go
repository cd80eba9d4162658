package download

import (
	"testing"
)

func TestMatchesSelection(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		selection []string
		expected  bool
	}{
		{
			name:      "nil selection matches everything",
			filePath:  "season1/episode1.mkv",
			selection: nil,
			expected:  true,
		},
		{
			name:      "empty selection matches everything",
			filePath:  "anything.bin",
			selection: []string{},
			expected:  true,
		},
		{
			name:      "exact match",
			filePath:  "movie.mkv",
			selection: []string{"movie.mkv"},
			expected:  true,
		},
		{
			name:      "case-insensitive match",
			filePath:  "Movie.MKV",
			selection: []string{"movie.mkv"},
			expected:  true,
		},
		{
			name:      "descendant of selected directory",
			filePath:  "season1/episode3.mkv",
			selection: []string{"season1"},
			expected:  true,
		},
		{
			name:      "selected directory with trailing slash",
			filePath:  "season1/episode3.mkv",
			selection: []string{"season1/"},
			expected:  true,
		},
		{
			name:      "backslash separators normalize",
			filePath:  `season1\episode3.mkv`,
			selection: []string{"season1"},
			expected:  true,
		},
		{
			name:      "prefix that is not a path boundary does not match",
			filePath:  "season10/episode1.mkv",
			selection: []string{"season1"},
			expected:  false,
		},
		{
			name:      "unselected sibling",
			filePath:  "season2/episode1.mkv",
			selection: []string{"season1"},
			expected:  false,
		},
		{
			name:      "second entry matches",
			filePath:  "extras/trailer.mp4",
			selection: []string{"season1", "extras"},
			expected:  true,
		},
		{
			name:      "blank entries are ignored",
			filePath:  "season1/episode1.mkv",
			selection: []string{"", "/"},
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchesSelection(tt.filePath, tt.selection)
			if got != tt.expected {
				t.Errorf("MatchesSelection(%q, %v) = %v, want %v", tt.filePath, tt.selection, got, tt.expected)
			}
		})
	}
}

func TestIsEngineMetadata(t *testing.T) {
	tests := []struct {
		name           string
		fileName       string
		uploadTorrents bool
		expected       bool
	}{
		{name: "dht node cache", fileName: "dht_nodes.cache", uploadTorrents: true, expected: true},
		{name: "bare fastresume file", fileName: "fastresume", uploadTorrents: true, expected: true},
		{name: "fresume snapshot", fileName: "abcdef0123456789.fresume", uploadTorrents: true, expected: true},
		{name: "fresume temp file", fileName: "abcdef0123456789.fresume.tmp", uploadTorrents: true, expected: true},
		{name: "dht suffix", fileName: "nodes.dht", uploadTorrents: true, expected: true},
		{name: "bolt piece completion store", fileName: ".torrent.bolt.db", uploadTorrents: true, expected: true},
		{name: "metadata nested in a directory", fileName: "sub/dir/dht_nodes.cache", uploadTorrents: true, expected: true},
		{name: "uppercase metadata", fileName: "FASTRESUME", uploadTorrents: true, expected: true},
		{name: "regular payload file", fileName: "movie.mkv", uploadTorrents: true, expected: false},
		{name: "torrent file included by default", fileName: "bundle.torrent", uploadTorrents: true, expected: false},
		{name: "torrent file excluded when disabled", fileName: "bundle.torrent", uploadTorrents: false, expected: true},
		{name: "name containing torrent but different extension", fileName: "about.torrent.txt", uploadTorrents: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsEngineMetadata(tt.fileName, tt.uploadTorrents)
			if got != tt.expected {
				t.Errorf("IsEngineMetadata(%q, %v) = %v, want %v", tt.fileName, tt.uploadTorrents, got, tt.expected)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`a\b\c.mkv`, "a/b/c.mkv"},
		{"Mixed/Case/File.MKV", "mixed/case/file.mkv"},
		{"already/normal.bin", "already/normal.bin"},
	}

	for _, tt := range tests {
		if got := NormalizePath(tt.input); got != tt.expected {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
