package basalt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/basaltdb/basalt/broker"
	"github.com/basaltdb/basalt/cgroup"
	"github.com/basaltdb/basalt/client"
	"github.com/basaltdb/basalt/cluster"
	"github.com/basaltdb/basalt/config"
	"github.com/basaltdb/basalt/fragment"
	"github.com/basaltdb/basalt/load"
	"github.com/basaltdb/basalt/metrics"
	"github.com/basaltdb/basalt/pipeline"
	"github.com/basaltdb/basalt/policy"
	"github.com/basaltdb/basalt/pool"
	"github.com/basaltdb/basalt/resource"
	"github.com/basaltdb/basalt/result"
	"github.com/basaltdb/basalt/scan"
	"github.com/basaltdb/basalt/smallfile"
	"github.com/basaltdb/basalt/spill"
	"github.com/basaltdb/basalt/stream"
	"github.com/basaltdb/basalt/symtab"
	"github.com/basaltdb/basalt/sysinfo"
	"github.com/basaltdb/basalt/tmpfile"
)

const (
	batchSendPoolName     = "send_batch"
	downloadCachePoolName = "download_cache"
)

// Env is the process-wide execution environment. It owns every backend
// subsystem and controls their startup and shutdown order.
//
// Init and Destroy are driven by a single controlling goroutine; the
// initialized flag is intentionally unguarded. Subsystem handles are
// read-mostly after Init and safe for concurrent use through their own
// synchronization.
type Env struct {
	cfg      *config.Config
	logger   *Logger
	registry *metrics.Registry
	sys      sysinfo.Provider

	// fatalf terminates the process on unrecoverable init failures.
	// Tests override it to observe the fatal path.
	fatalf func(format string, args ...interface{})

	initialized    bool
	storePaths     []string
	storePathIndex map[string]int

	dataStreamMgr   *stream.Mgr
	resultBufferMgr *result.BufferMgr
	resultQueueMgr  *result.QueueMgr
	scanContextMgr  *scan.ContextMgr

	backendClientCache  *client.Cache
	frontendClientCache *client.Cache
	brokerClientCache   *client.Cache
	internalClientCache *client.Cache
	functionClientCache *client.Cache

	threadMgr  *resource.ThreadMgr
	memTracker *resource.Tracker

	batchSendPool      *pool.ThreadPool
	downloadCachePool  *pool.ThreadPool
	downloadCacheToken *pool.SerialToken
	downloadCacheBufs  map[*pool.SerialToken][]byte

	pipelineScheduler *pipeline.TaskScheduler
	scanScheduler     *scan.Scheduler

	cgroupMgr           *cgroup.Mgr
	fragmentMgr         *fragment.Mgr
	resultCache         *result.Cache
	masterInfo          *cluster.MasterInfo
	loadPathMgr         *load.PathMgr
	tmpFileMgr          *tmpfile.Mgr
	symbolizer          *symtab.Symbolizer
	brokerMgr           *broker.Mgr
	loadChannelMgr      *load.ChannelMgr
	loadStreamMgr       *load.StreamMgr
	loadStreamMgrV2     *load.StreamMgr
	streamLoadExecutor  *load.StreamLoadExecutor
	routineLoadExecutor *load.RoutineLoadExecutor
	smallFileMgr        *smallfile.Mgr
	policyMgr           *policy.Mgr
	spillMgr            *spill.Mgr
	heartbeatFlags      *cluster.HeartbeatFlags
}

// NewEnv creates an uninitialized execution environment. Call Init to
// bring the subsystems up and Destroy to tear the managed subset down
// again.
func NewEnv(optFns ...Option) *Env {
	opts := applyOptions(optFns)

	cfg := opts.cfg
	if cfg == nil {
		cfg = config.NewDefault()
	}
	registry := opts.registry
	if registry == nil {
		registry = metrics.NewRegistry("basalt")
	}

	e := &Env{
		cfg:      cfg,
		logger:   opts.logger,
		registry: registry,
		sys:      opts.sys,
	}
	e.fatalf = func(format string, args ...interface{}) {
		e.logger.Error(fmt.Sprintf(format, args...))
		os.Exit(1)
	}
	return e
}

// Init brings up every subsystem in dependency order against the given
// store paths. It is idempotent: calling it on an initialized
// environment returns nil without side effects. There is no rollback;
// a failed Init leaves already-constructed subsystems behind and the
// caller is expected to exit.
func (e *Env) Init(storePaths []string) error {
	if e.initialized {
		return nil
	}
	ctx := context.Background()

	if err := e.cfg.Validate(); err != nil {
		return err
	}
	if len(storePaths) == 0 {
		return &ConfigError{Option: "store_paths", cause: errors.New("at least one store path required")}
	}
	if e.sys == nil {
		sys, err := sysinfo.New(e.cfg.MemLimit)
		if err != nil {
			return &ConfigError{Option: "mem_limit", cause: err}
		}
		e.sys = sys
	}

	// Store paths keep their declaration order; the index map assigns
	// each distinct path a stable shard index, first occurrence wins.
	e.storePaths = append([]string(nil), storePaths...)
	e.storePathIndex = make(map[string]int, len(storePaths))
	for _, p := range storePaths {
		if _, ok := e.storePathIndex[p]; !ok {
			e.storePathIndex[p] = len(e.storePathIndex)
		}
	}

	e.dataStreamMgr = stream.NewMgr()
	e.resultBufferMgr = result.NewBufferMgr()
	e.resultQueueMgr = result.NewQueueMgr()
	e.scanContextMgr = scan.NewContextMgr()

	maxPerHost := e.cfg.Client.MaxCacheSizePerHost
	var err error
	if e.backendClientCache, err = client.NewCache("backend", maxPerHost); err != nil {
		return translateError("backend client cache", err)
	}
	if e.frontendClientCache, err = client.NewCache("frontend", maxPerHost); err != nil {
		return translateError("frontend client cache", err)
	}
	if e.brokerClientCache, err = client.NewCache("broker", maxPerHost); err != nil {
		return translateError("broker client cache", err)
	}
	e.threadMgr = resource.NewThreadMgr(0, 0)
	e.memTracker = resource.NewTracker(resource.TrackerConfig{
		Label:         "process",
		MemLimitBytes: e.sys.MemLimit(),
	})

	if e.batchSendPool, err = pool.New(batchSendPoolName, func(o *pool.Options) {
		o.MinThreads = e.cfg.Pools.SendBatchThreadNum
		o.MaxThreads = e.cfg.Pools.SendBatchThreadNum
		o.MaxQueueSize = e.cfg.Pools.SendBatchQueueSize
	}); err != nil {
		return translateError("send batch pool", err)
	}
	if err := e.initDownloadCacheComponents(); err != nil {
		return err
	}

	if err := e.initPipelineScheduler(); err != nil {
		return err
	}
	e.scanScheduler = scan.NewScheduler(func(o *scan.Options) {
		o.LocalThreads = e.cfg.Query.ScannerThreadNum
		o.RemoteThreads = e.cfg.Query.ScannerThreadNum
		o.QueueSize = e.cfg.Query.ScannerQueueSize
		o.Logger = e.subsystemLogger("scanner")
	})

	e.cgroupMgr = cgroup.NewMgr(e.cfg.Cgroup.Path)
	if e.fragmentMgr, err = fragment.NewMgr(func(o *fragment.Options) {
		o.Logger = e.subsystemLogger("fragment")
	}); err != nil {
		return translateError("fragment manager", err)
	}
	if e.resultCache, err = result.NewCache(e.cfg.Query.ResultCacheMaxSizeMB, e.cfg.Query.ResultCacheElasticitySizeMB); err != nil {
		return translateError("result cache", err)
	}
	e.masterInfo = cluster.NewMasterInfo()
	if e.loadPathMgr, err = load.NewPathMgr(e.storePaths, func(o *load.PathMgrOptions) {
		o.Logger = e.subsystemLogger("load_path")
	}); err != nil {
		return translateError("load path manager", err)
	}
	e.tmpFileMgr = tmpfile.NewMgr(e.storePaths)
	e.symbolizer = symtab.New()
	e.brokerMgr = broker.NewMgr()
	if err := e.registerRemoteProviders(ctx); err != nil {
		return err
	}
	e.loadChannelMgr = load.NewChannelMgr()
	e.loadStreamMgr = load.NewStreamMgr()
	e.loadStreamMgrV2 = load.NewStreamMgr()
	if e.internalClientCache, err = client.NewCache("internal", maxPerHost); err != nil {
		return translateError("internal client cache", err)
	}
	if e.functionClientCache, err = client.NewCache("function", maxPerHost); err != nil {
		return translateError("function client cache", err)
	}
	if e.streamLoadExecutor, err = load.NewStreamLoadExecutor(e.batchSendPool, e.subsystemLogger("stream_load")); err != nil {
		return translateError("stream load executor", err)
	}
	if e.routineLoadExecutor, err = load.NewRoutineLoadExecutor(e.batchSendPool,
		e.cfg.Load.RoutineLoadMaxConcurrentTasks, e.subsystemLogger("routine_load")); err != nil {
		return translateError("routine load executor", err)
	}
	if e.smallFileMgr, err = e.newSmallFileMgr(); err != nil {
		return err
	}
	if e.policyMgr, err = e.newPolicyMgr(ctx); err != nil {
		return err
	}
	if e.spillMgr, err = e.newSpillMgr(); err != nil {
		return err
	}

	if err := e.secondaryInit(ctx); err != nil {
		return err
	}
	if err := e.initMemEnv(ctx); err != nil {
		return err
	}
	if err := e.loadChannelMgr.Init(e.memTracker, e.sys.MemLimit()); err != nil {
		return translateError("load channel manager", err)
	}
	e.heartbeatFlags = cluster.NewHeartbeatFlags()
	if err := e.registerMetricsHooks(); err != nil {
		return err
	}

	e.initialized = true
	e.logger.InfoContext(ctx, "environment initialized",
		"store_paths", len(e.storePaths),
		"mem_limit", e.sys.MemLimit(),
	)
	return nil
}

// initDownloadCacheComponents provisions the download pool, its serial
// token and the pre-allocated zeroed staging buffer for that token.
func (e *Env) initDownloadCacheComponents() error {
	p, err := pool.New(downloadCachePoolName, func(o *pool.Options) {
		o.MinThreads = 1
		o.MaxThreads = e.cfg.Pools.DownloadCacheThreadNum
		o.MaxQueueSize = e.cfg.Pools.DownloadCacheQueueSize
	})
	if err != nil {
		return translateError("download cache pool", err)
	}
	e.downloadCachePool = p
	e.downloadCacheToken = p.NewSerialToken()
	e.downloadCacheBufs = map[*pool.SerialToken][]byte{
		e.downloadCacheToken: make([]byte, e.cfg.Pools.DownloadCacheBufferSize),
	}
	return nil
}

func (e *Env) initPipelineScheduler() error {
	executors := e.cfg.Pipeline.ExecutorSize
	if executors <= 0 {
		executors = runtime.NumCPU()
	}
	s, err := pipeline.NewTaskScheduler(executors, func(o *pipeline.Options) {
		o.Logger = e.subsystemLogger("pipeline")
	})
	if err != nil {
		return translateError("pipeline scheduler", err)
	}
	if err := s.Start(); err != nil {
		return translateError("pipeline scheduler", err)
	}
	e.pipelineScheduler = s
	return nil
}

// registerRemoteProviders binds the configured remote filesystems to
// the broker manager. Unconfigured providers are skipped.
func (e *Env) registerRemoteProviders(ctx context.Context) error {
	if e.cfg.Remote.S3.Bucket != "" {
		p, err := broker.NewS3ProviderFromConfig(ctx, broker.S3Config{
			Region:   e.cfg.Remote.S3.Region,
			Endpoint: e.cfg.Remote.S3.Endpoint,
			Bucket:   e.cfg.Remote.S3.Bucket,
			Prefix:   e.cfg.Remote.S3.Prefix,
		})
		if err != nil {
			return translateError("broker manager", err)
		}
		if err := e.brokerMgr.RegisterProvider("s3", p); err != nil {
			return translateError("broker manager", err)
		}
	}
	if e.cfg.Remote.Minio.Endpoint != "" {
		p, err := broker.NewMinioProviderFromConfig(broker.MinioConfig{
			Endpoint:  e.cfg.Remote.Minio.Endpoint,
			AccessKey: e.cfg.Remote.Minio.AccessKey,
			SecretKey: e.cfg.Remote.Minio.SecretKey,
			UseSSL:    e.cfg.Remote.Minio.UseSSL,
			Bucket:    e.cfg.Remote.Minio.Bucket,
		})
		if err != nil {
			return translateError("broker manager", err)
		}
		if err := e.brokerMgr.RegisterProvider("minio", p); err != nil {
			return translateError("broker manager", err)
		}
	}
	return nil
}

func (e *Env) newSmallFileMgr() (*smallfile.Mgr, error) {
	var optFns []func(*smallfile.Options)
	if fs, err := e.brokerMgr.Provider("s3"); err == nil {
		optFns = append(optFns, func(o *smallfile.Options) { o.Remote = fs })
	}
	m, err := smallfile.NewMgr(e.cfg.Load.SmallFileDir, optFns...)
	if err != nil {
		return nil, translateError("small file manager", err)
	}
	return m, nil
}

func (e *Env) newPolicyMgr(ctx context.Context) (*policy.Mgr, error) {
	if e.cfg.Policy.DynamoTable == "" {
		return policy.NewMgr(), nil
	}
	store, err := policy.NewDDBStoreFromConfig(ctx, e.cfg.Policy.DynamoTable)
	if err != nil {
		return nil, translateError("storage policy manager", err)
	}
	return policy.NewMgr(func(o *policy.Options) { o.Store = store }), nil
}

func (e *Env) newSpillMgr() (*spill.Mgr, error) {
	codec, err := spill.ParseCodec(e.cfg.Spill.Compression)
	if err != nil {
		return nil, &ConfigError{Option: "spill.compression", cause: err}
	}
	m, err := spill.NewMgr(e.storePaths, func(o *spill.Options) {
		o.Codec = codec
		o.Tracker = e.memTracker
		o.Logger = e.subsystemLogger("spill")
	})
	if err != nil {
		return nil, translateError("block spill manager", err)
	}
	return m, nil
}

// secondaryInit runs the init methods that need the full set of
// constructed subsystems. The load path manager is the one fatal step:
// without usable load directories the backend cannot accept any load,
// so a failure terminates the process.
func (e *Env) secondaryInit(ctx context.Context) error {
	e.backendClientCache.BindMetrics(e.registry.ClientCacheCounters("backend"))
	e.frontendClientCache.BindMetrics(e.registry.ClientCacheCounters("frontend"))
	e.brokerClientCache.BindMetrics(e.registry.ClientCacheCounters("broker"))

	if err := e.initStep(ctx, "result buffer manager", e.resultBufferMgr.Init); err != nil {
		return err
	}
	if err := e.initStep(ctx, "cgroup manager", e.cgroupMgr.Init); err != nil {
		return err
	}
	if err := e.loadPathMgr.Init(); err != nil {
		e.fatalf("load path manager init failed: %v", err)
		return translateError("load path manager", err)
	}
	e.logger.LogInitStep(ctx, "load path manager", nil)
	if err := e.initStep(ctx, "broker manager", e.brokerMgr.Init); err != nil {
		return err
	}
	if err := e.initStep(ctx, "small file manager", e.smallFileMgr.Init); err != nil {
		return err
	}
	if err := e.initStep(ctx, "scanner scheduler", func() error { return e.scanScheduler.Init(e) }); err != nil {
		return err
	}
	return nil
}

func (e *Env) initStep(ctx context.Context, name string, fn func() error) error {
	err := fn()
	e.logger.LogInitStep(ctx, name, err)
	return translateError(name, err)
}

func (e *Env) subsystemLogger(name string) printfLogger {
	return printfLogger{l: e.logger.WithSubsystem(name)}
}

// printfLogger adapts the structured root logger to the printf-style
// interface the subsystem packages accept.
type printfLogger struct {
	l *Logger
}

func (p printfLogger) Infof(format string, args ...interface{}) {
	p.l.Info(fmt.Sprintf(format, args...))
}

func (p printfLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(fmt.Sprintf(format, args...))
}

// Initialized reports whether Init has completed.
func (e *Env) Initialized() bool { return e.initialized }

// Config returns the backend configuration.
func (e *Env) Config() *config.Config { return e.cfg }

// MetricsRegistry returns the registry the lifecycle gauges bind to.
func (e *Env) MetricsRegistry() *metrics.Registry { return e.registry }

// StorePaths returns the store paths in declaration order, duplicates
// included.
func (e *Env) StorePaths() []string { return e.storePaths }

// StorePathIndex returns the stable shard index assigned to path.
func (e *Env) StorePathIndex(path string) (int, bool) {
	i, ok := e.storePathIndex[path]
	return i, ok
}

// StorePathCount returns the number of distinct store paths.
func (e *Env) StorePathCount() int { return len(e.storePathIndex) }

// RootMemTracker returns the process-wide memory budget.
func (e *Env) RootMemTracker() *resource.Tracker { return e.memTracker }

// DataStreamMgr returns the exchange-stream manager.
func (e *Env) DataStreamMgr() *stream.Mgr { return e.dataStreamMgr }

// ResultBufferMgr returns the query result buffer manager.
func (e *Env) ResultBufferMgr() *result.BufferMgr { return e.resultBufferMgr }

// ResultQueueMgr returns the blocking result queue manager.
func (e *Env) ResultQueueMgr() *result.QueueMgr { return e.resultQueueMgr }

// ScanContextMgr returns the external scan context manager.
func (e *Env) ScanContextMgr() *scan.ContextMgr { return e.scanContextMgr }

// BackendClientCache returns the backend service connection cache.
func (e *Env) BackendClientCache() *client.Cache { return e.backendClientCache }

// FrontendClientCache returns the frontend service connection cache.
func (e *Env) FrontendClientCache() *client.Cache { return e.frontendClientCache }

// BrokerClientCache returns the broker service connection cache.
func (e *Env) BrokerClientCache() *client.Cache { return e.brokerClientCache }

// InternalClientCache returns the backend-to-backend connection cache.
func (e *Env) InternalClientCache() *client.Cache { return e.internalClientCache }

// FunctionClientCache returns the remote function service connection
// cache.
func (e *Env) FunctionClientCache() *client.Cache { return e.functionClientCache }

// ThreadMgr returns the thread resource manager.
func (e *Env) ThreadMgr() *resource.ThreadMgr { return e.threadMgr }

// BatchSendPool returns the pool batches are transmitted on.
func (e *Env) BatchSendPool() *pool.ThreadPool { return e.batchSendPool }

// DownloadCachePool returns the pool cache downloads run on.
func (e *Env) DownloadCachePool() *pool.ThreadPool { return e.downloadCachePool }

// DownloadCacheToken returns the serial token download tasks queue
// behind.
func (e *Env) DownloadCacheToken() *pool.SerialToken { return e.downloadCacheToken }

// DownloadCacheBuf returns the staging buffer owned by token.
func (e *Env) DownloadCacheBuf(token *pool.SerialToken) ([]byte, bool) {
	buf, ok := e.downloadCacheBufs[token]
	return buf, ok
}

// PipelineScheduler returns the pipeline task scheduler.
func (e *Env) PipelineScheduler() *pipeline.TaskScheduler { return e.pipelineScheduler }

// ScanScheduler returns the scanner scheduler.
func (e *Env) ScanScheduler() *scan.Scheduler { return e.scanScheduler }

// CgroupMgr returns the cgroup manager.
func (e *Env) CgroupMgr() *cgroup.Mgr { return e.cgroupMgr }

// FragmentMgr returns the plan fragment manager.
func (e *Env) FragmentMgr() *fragment.Mgr { return e.fragmentMgr }

// ResultCache returns the query result cache.
func (e *Env) ResultCache() *result.Cache { return e.resultCache }

// MasterInfo returns the cluster master address book.
func (e *Env) MasterInfo() *cluster.MasterInfo { return e.masterInfo }

// LoadPathMgr returns the load working-directory manager.
func (e *Env) LoadPathMgr() *load.PathMgr { return e.loadPathMgr }

// TmpFileMgr returns the temporary file manager.
func (e *Env) TmpFileMgr() *tmpfile.Mgr { return e.tmpFileMgr }

// Symbolizer returns the stack frame symbolizer.
func (e *Env) Symbolizer() *symtab.Symbolizer { return e.symbolizer }

// BrokerMgr returns the remote filesystem broker manager.
func (e *Env) BrokerMgr() *broker.Mgr { return e.brokerMgr }

// LoadChannelMgr returns the tablet load channel manager.
func (e *Env) LoadChannelMgr() *load.ChannelMgr { return e.loadChannelMgr }

// LoadStreamMgr returns the legacy stream load pipe registry.
func (e *Env) LoadStreamMgr() *load.StreamMgr { return e.loadStreamMgr }

// LoadStreamMgrV2 returns the stream load pipe registry.
func (e *Env) LoadStreamMgrV2() *load.StreamMgr { return e.loadStreamMgrV2 }

// StreamLoadExecutor returns the stream load executor.
func (e *Env) StreamLoadExecutor() *load.StreamLoadExecutor { return e.streamLoadExecutor }

// RoutineLoadExecutor returns the routine load task executor.
func (e *Env) RoutineLoadExecutor() *load.RoutineLoadExecutor { return e.routineLoadExecutor }

// SmallFileMgr returns the small file cache manager.
func (e *Env) SmallFileMgr() *smallfile.Mgr { return e.smallFileMgr }

// PolicyMgr returns the storage policy manager.
func (e *Env) PolicyMgr() *policy.Mgr { return e.policyMgr }

// SpillMgr returns the block spill manager.
func (e *Env) SpillMgr() *spill.Mgr { return e.spillMgr }

// HeartbeatFlags returns the master-controlled feature flag set.
func (e *Env) HeartbeatFlags() *cluster.HeartbeatFlags { return e.heartbeatFlags }
