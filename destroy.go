package basalt

import "context"

// Destroy stops and releases the destroy-managed subsystems, newest
// dependencies first. It is a no-op unless the environment is
// initialized.
//
// Subsystems with process lifetime stay up on purpose: the data stream
// manager, both worker pools, the result cache, the small file, storage
// policy and block spill managers, the download staging buffers and the
// global page cache, segment loader and chunk allocator. Process exit
// reclaims them.
func (e *Env) Destroy() {
	if e == nil || !e.initialized {
		return
	}
	ctx := context.Background()

	e.deregisterMetricsHooks()

	e.closeStep(ctx, "internal client cache", e.internalClientCache.Close)
	e.internalClientCache = nil
	e.closeStep(ctx, "function client cache", e.functionClientCache.Close)
	e.functionClientCache = nil

	e.loadStreamMgr.Release()
	e.loadStreamMgr = nil
	e.loadStreamMgrV2.Release()
	e.loadStreamMgrV2 = nil
	e.loadChannelMgr.Release()
	e.loadChannelMgr = nil
	e.brokerMgr.Release()
	e.brokerMgr = nil
	e.symbolizer.Release()
	e.symbolizer = nil
	e.tmpFileMgr.Release()
	e.tmpFileMgr = nil
	e.loadPathMgr.Release()
	e.loadPathMgr = nil
	e.masterInfo.Reset()
	e.masterInfo = nil
	e.fragmentMgr.Stop()
	e.fragmentMgr = nil
	e.pipelineScheduler.Stop()
	e.pipelineScheduler = nil
	e.cgroupMgr.Release()
	e.cgroupMgr = nil
	e.threadMgr.Close()
	e.threadMgr = nil

	e.closeStep(ctx, "broker client cache", e.brokerClientCache.Close)
	e.brokerClientCache = nil
	e.closeStep(ctx, "frontend client cache", e.frontendClientCache.Close)
	e.frontendClientCache = nil
	e.closeStep(ctx, "backend client cache", e.backendClientCache.Close)
	e.backendClientCache = nil
	e.closeStep(ctx, "result buffer manager", e.resultBufferMgr.Close)
	e.resultBufferMgr = nil
	e.closeStep(ctx, "result queue manager", e.resultQueueMgr.Close)
	e.resultQueueMgr = nil

	e.streamLoadExecutor.Release()
	e.streamLoadExecutor = nil
	e.routineLoadExecutor.Release()
	e.routineLoadExecutor = nil
	e.closeStep(ctx, "external scan context manager", e.scanContextMgr.Close)
	e.scanContextMgr = nil
	e.heartbeatFlags = nil
	e.scanScheduler.Stop()
	e.scanScheduler = nil

	e.initialized = false
	e.logger.InfoContext(ctx, "environment destroyed")
}

func (e *Env) closeStep(ctx context.Context, step string, fn func() error) {
	if err := fn(); err != nil {
		e.logger.ErrorContext(ctx, "destroy step failed", "step", step, "error", err)
		return
	}
	e.logger.LogDestroyStep(ctx, step)
}
