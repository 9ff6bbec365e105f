package sync

import "embed"

//go:embed mappings/*.yaml
var embeddedFiles embed.FS

// DefaultEmbeddedConfig holds the required and defaults layers shipped with the binary.
var DefaultEmbeddedConfig = EmbeddedConfig{Root: "mappings", Files: embeddedFiles}
