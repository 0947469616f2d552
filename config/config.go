// Package config holds the operator-facing configuration for the backend
// environment. Values load from YAML, can be overridden through BASALT_*
// environment variables, and are validated before the environment consumes
// them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config represents the complete backend configuration.
type Config struct {
	// MemLimit bounds the memory the process may manage, either as an
	// absolute byte count or a percentage of physical memory.
	MemLimit string `yaml:"mem_limit"`

	Client   ClientConfig   `yaml:"client"`
	Pools    PoolsConfig    `yaml:"pools"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Memory   MemoryConfig   `yaml:"memory"`
	Query    QueryConfig    `yaml:"query"`
	Load     LoadConfig     `yaml:"load"`
	Cgroup   CgroupConfig   `yaml:"cgroup"`
	Remote   RemoteConfig   `yaml:"remote_storage"`
	Policy   PolicyConfig   `yaml:"storage_policy"`
	Spill    SpillConfig    `yaml:"spill"`
}

// ClientConfig sizes the per-service client-connection caches.
type ClientConfig struct {
	MaxCacheSizePerHost int `yaml:"max_cache_size_per_host"`
}

// PoolsConfig sizes the shared background worker pools.
type PoolsConfig struct {
	SendBatchThreadNum      int   `yaml:"send_batch_thread_num"`
	SendBatchQueueSize      int   `yaml:"send_batch_queue_size"`
	DownloadCacheThreadNum  int   `yaml:"download_cache_thread_num"`
	DownloadCacheQueueSize  int   `yaml:"download_cache_queue_size"`
	DownloadCacheBufferSize int64 `yaml:"download_cache_buffer_size"`
}

// PipelineConfig configures the pipeline task scheduler.
type PipelineConfig struct {
	// ExecutorSize is the executor thread count. Zero or negative means
	// "use the number of available cores".
	ExecutorSize int `yaml:"executor_size"`
}

// CacheConfig sizes the storage page cache.
type CacheConfig struct {
	StoragePageCacheLimit  string `yaml:"storage_page_cache_limit"`
	IndexPageCachePercent  int    `yaml:"index_page_cache_percentage"`
	StoragePageCacheShards int    `yaml:"storage_page_cache_shard_size"`
}

// MemoryConfig holds the low-level memory budgeting knobs.
type MemoryConfig struct {
	MinFileDescriptorNumber uint64 `yaml:"min_file_descriptor_number"`
	MinBufferSize           int64  `yaml:"min_buffer_size"`
	ChunkReservedBytesLimit string `yaml:"chunk_reserved_bytes_limit"`
	MinChunkReservedBytes   int64  `yaml:"min_chunk_reserved_bytes"`
}

// QueryConfig configures query-side managers.
type QueryConfig struct {
	ResultCacheMaxSizeMB        int `yaml:"result_cache_max_size_mb"`
	ResultCacheElasticitySizeMB int `yaml:"result_cache_elasticity_size_mb"`
	ScannerThreadNum            int `yaml:"scanner_thread_num"`
	ScannerQueueSize            int `yaml:"scanner_queue_size"`
}

// LoadConfig configures the load/ingest managers.
type LoadConfig struct {
	SmallFileDir string `yaml:"small_file_dir"`
	// RoutineLoadMaxConcurrentTasks caps the routine-load tasks running
	// at once.
	RoutineLoadMaxConcurrentTasks int `yaml:"routine_load_max_concurrent_tasks"`
}

// CgroupConfig configures cgroup placement of worker threads.
type CgroupConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig configures remote-filesystem providers for the broker manager.
type RemoteConfig struct {
	S3    S3Config    `yaml:"s3"`
	Minio MinioConfig `yaml:"minio"`
}

// S3Config configures the AWS S3 provider. An empty bucket disables it.
type S3Config struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
}

// MinioConfig configures the MinIO provider. An empty endpoint disables it.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PolicyConfig configures the storage-policy store. An empty table name keeps
// policies in memory.
type PolicyConfig struct {
	DynamoTable string `yaml:"dynamo_table"`
}

// SpillConfig configures the block-spill manager.
type SpillConfig struct {
	Compression string `yaml:"compression"`
}

// NewDefault returns a configuration with production defaults.
func NewDefault() *Config {
	return &Config{
		MemLimit: "80%",
		Client: ClientConfig{
			MaxCacheSizePerHost: 10,
		},
		Pools: PoolsConfig{
			SendBatchThreadNum:      64,
			SendBatchQueueSize:      102400,
			DownloadCacheThreadNum:  48,
			DownloadCacheQueueSize:  102400,
			DownloadCacheBufferSize: 10 * 1024 * 1024,
		},
		Pipeline: PipelineConfig{
			ExecutorSize: 0,
		},
		Cache: CacheConfig{
			StoragePageCacheLimit:  "20%",
			IndexPageCachePercent:  10,
			StoragePageCacheShards: 16,
		},
		Memory: MemoryConfig{
			MinFileDescriptorNumber: 60000,
			MinBufferSize:           1024,
			ChunkReservedBytesLimit: "20%",
			MinChunkReservedBytes:   1024,
		},
		Query: QueryConfig{
			ResultCacheMaxSizeMB:        256,
			ResultCacheElasticitySizeMB: 128,
			ScannerThreadNum:            48,
			ScannerQueueSize:            102400,
		},
		Load: LoadConfig{
			SmallFileDir:                  "lib/small_file",
			RoutineLoadMaxConcurrentTasks: 10,
		},
		Cgroup: CgroupConfig{
			Path: "",
		},
		Spill: SpillConfig{
			Compression: "lz4",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies BASALT_* environment variable overrides.
func (c *Config) LoadFromEnv() error {
	if val := os.Getenv("BASALT_MEM_LIMIT"); val != "" {
		c.MemLimit = val
	}
	if val := os.Getenv("BASALT_MAX_CLIENT_CACHE_SIZE_PER_HOST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Client.MaxCacheSizePerHost = n
		}
	}
	if val := os.Getenv("BASALT_SEND_BATCH_THREAD_NUM"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pools.SendBatchThreadNum = n
		}
	}
	if val := os.Getenv("BASALT_DOWNLOAD_CACHE_THREAD_NUM"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pools.DownloadCacheThreadNum = n
		}
	}
	if val := os.Getenv("BASALT_PIPELINE_EXECUTOR_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pipeline.ExecutorSize = n
		}
	}
	if val := os.Getenv("BASALT_STORAGE_PAGE_CACHE_LIMIT"); val != "" {
		c.Cache.StoragePageCacheLimit = val
	}
	if val := os.Getenv("BASALT_CHUNK_RESERVED_BYTES_LIMIT"); val != "" {
		c.Memory.ChunkReservedBytesLimit = val
	}
	if val := os.Getenv("BASALT_SMALL_FILE_DIR"); val != "" {
		c.Load.SmallFileDir = val
	}
	if val := os.Getenv("BASALT_ROUTINE_LOAD_MAX_CONCURRENT_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Load.RoutineLoadMaxConcurrentTasks = n
		}
	}
	if val := os.Getenv("BASALT_CGROUP_PATH"); val != "" {
		c.Cgroup.Path = val
	}
	if val := os.Getenv("BASALT_S3_REGION"); val != "" {
		c.Remote.S3.Region = val
	}
	if val := os.Getenv("BASALT_S3_BUCKET"); val != "" {
		c.Remote.S3.Bucket = val
	}
	if val := os.Getenv("BASALT_S3_ENDPOINT"); val != "" {
		c.Remote.S3.Endpoint = val
	}
	if val := os.Getenv("BASALT_MINIO_ENDPOINT"); val != "" {
		c.Remote.Minio.Endpoint = val
	}
	if val := os.Getenv("BASALT_MINIO_ACCESS_KEY"); val != "" {
		c.Remote.Minio.AccessKey = val
	}
	if val := os.Getenv("BASALT_MINIO_SECRET_KEY"); val != "" {
		c.Remote.Minio.SecretKey = val
	}
	if val := os.Getenv("BASALT_POLICY_DYNAMO_TABLE"); val != "" {
		c.Policy.DynamoTable = val
	}
	if val := os.Getenv("BASALT_SPILL_COMPRESSION"); val != "" {
		c.Spill.Compression = strings.ToLower(val)
	}

	return nil
}

// SaveToFile writes the configuration to a YAML file.
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks structural configuration constraints. Capacity policies
// that depend on live system facts (power-of-two granularities, cache
// clamping) are enforced later, when the environment initializes.
func (c *Config) Validate() error {
	if c.MemLimit == "" {
		return fmt.Errorf("mem_limit must be set")
	}
	if c.Client.MaxCacheSizePerHost <= 0 {
		return fmt.Errorf("client.max_cache_size_per_host must be greater than 0")
	}
	if c.Pools.SendBatchThreadNum <= 0 || c.Pools.SendBatchQueueSize <= 0 {
		return fmt.Errorf("pools.send_batch_thread_num and pools.send_batch_queue_size must be greater than 0")
	}
	if c.Pools.DownloadCacheThreadNum <= 0 || c.Pools.DownloadCacheQueueSize <= 0 {
		return fmt.Errorf("pools.download_cache_thread_num and pools.download_cache_queue_size must be greater than 0")
	}
	if c.Pools.DownloadCacheBufferSize <= 0 {
		return fmt.Errorf("pools.download_cache_buffer_size must be greater than 0")
	}
	if c.Cache.IndexPageCachePercent < 0 || c.Cache.IndexPageCachePercent > 100 {
		return fmt.Errorf("cache.index_page_cache_percentage must be between 0 and 100")
	}
	if c.Cache.StoragePageCacheShards <= 0 {
		return fmt.Errorf("cache.storage_page_cache_shard_size must be greater than 0")
	}
	if c.Query.ResultCacheMaxSizeMB < 0 || c.Query.ResultCacheElasticitySizeMB < 0 {
		return fmt.Errorf("query result cache sizes must not be negative")
	}
	if c.Query.ScannerThreadNum <= 0 || c.Query.ScannerQueueSize <= 0 {
		return fmt.Errorf("query.scanner_thread_num and query.scanner_queue_size must be greater than 0")
	}
	if c.Load.RoutineLoadMaxConcurrentTasks <= 0 {
		return fmt.Errorf("load.routine_load_max_concurrent_tasks must be greater than 0")
	}

	switch c.Spill.Compression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("invalid spill.compression: %s (must be one of: none, lz4, zstd)", c.Spill.Compression)
	}

	return nil
}
