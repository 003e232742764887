package services

import (
	"fmt"
	"time"

	"github.com/Lllllllleong/signingdocumentflow/internal/gcp"
	"github.com/Lllllllleong/signingdocumentflow/internal/merge"
	"github.com/Lllllllleong/signingdocumentflow/internal/promotion"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
	"github.com/Lllllllleong/signingdocumentflow/internal/transport"
)

// Config is shared by every function in this module.
type Config struct {
	ProjectID        string
	Bucket           string
	Prefix           string
	PublicURLBase    string
	StagingTTL       time.Duration
	MaxMergeFiles    int
	MaxMergeBytes    int64
	UploadChunkBytes int
	UploadMaxRetries int
	OptimizeMerged   bool
}

// Layout is the object layout of the configured bucket.
func (c Config) Layout() staging.Layout {
	return staging.Layout{Bucket: c.Bucket, Prefix: c.Prefix}
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	config := Config{
		ProjectID:     gcp.GetEnv("PROJECT_ID", ""),
		Bucket:        gcp.GetEnv("DOCUMENTS_BUCKET", ""),
		Prefix:        gcp.GetEnv("DOCUMENTS_PREFIX", "documents"),
		PublicURLBase: gcp.GetEnv("PUBLIC_URL_BASE", promotion.DefaultPublicURLBase),
	}
	if config.ProjectID == "" {
		return Config{}, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.Bucket == "" {
		return Config{}, fmt.Errorf("DOCUMENTS_BUCKET environment variable must be set")
	}

	var err error
	if config.StagingTTL, err = gcp.GetEnvDuration("STAGING_TTL", staging.DefaultTTL); err != nil {
		return Config{}, err
	}
	maxFiles, err := gcp.GetEnvInt("MAX_MERGE_FILES", merge.DefaultMaxFiles)
	if err != nil {
		return Config{}, err
	}
	config.MaxMergeFiles = int(maxFiles)
	if config.MaxMergeBytes, err = gcp.GetEnvInt("MAX_MERGE_BYTES", merge.DefaultMaxBytes); err != nil {
		return Config{}, err
	}
	chunk, err := gcp.GetEnvInt("UPLOAD_CHUNK_BYTES", transport.DefaultChunkSize)
	if err != nil {
		return Config{}, err
	}
	config.UploadChunkBytes = roundChunk(int(chunk))
	retries, err := gcp.GetEnvInt("UPLOAD_MAX_RETRIES", transport.DefaultMaxRetries)
	if err != nil {
		return Config{}, err
	}
	config.UploadMaxRetries = int(retries)
	if config.OptimizeMerged, err = gcp.GetEnvBool("OPTIMIZE_MERGED", true); err != nil {
		return Config{}, err
	}
	return config.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "documents"
	}
	if c.PublicURLBase == "" {
		c.PublicURLBase = promotion.DefaultPublicURLBase
	}
	if c.StagingTTL <= 0 {
		c.StagingTTL = staging.DefaultTTL
	}
	if c.MaxMergeFiles < merge.MinFiles {
		c.MaxMergeFiles = merge.DefaultMaxFiles
	}
	if c.MaxMergeBytes <= 0 {
		c.MaxMergeBytes = merge.DefaultMaxBytes
	}
	c.UploadChunkBytes = roundChunk(c.UploadChunkBytes)
	if c.UploadMaxRetries < 0 {
		c.UploadMaxRetries = transport.DefaultMaxRetries
	}
	return c
}

// roundChunk rounds n down to a multiple of the GCS chunk quantum.
func roundChunk(n int) int {
	if n <= 0 {
		return transport.DefaultChunkSize
	}
	if n < transport.ChunkQuantum {
		return transport.ChunkQuantum
	}
	return n - n%transport.ChunkQuantum
}
