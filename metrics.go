package basalt

// Gauge names published while the environment is initialized.
const (
	gaugeSendBatchThreadNum     = "send_batch_thread_pool_thread_num"
	gaugeSendBatchQueueSize     = "send_batch_thread_pool_queue_size"
	gaugeDownloadCacheThreadNum = "download_cache_thread_pool_thread_num"
	gaugeDownloadCacheQueueSize = "download_cache_thread_pool_queue_size"

	// gaugeScannerQueueSize is never bound; Destroy deregisters the
	// name anyway so a future binding cannot outlive the environment.
	gaugeScannerQueueSize = "scanner_thread_pool_queue_size"
)

// registerMetricsHooks binds the pool occupancy gauges. The closures
// read live pool state on every scrape, so this runs only once the
// pools exist.
func (e *Env) registerMetricsHooks() error {
	if err := e.registry.RegisterGaugeFunc(gaugeSendBatchThreadNum,
		"Worker threads in the send batch pool.",
		func() float64 { return float64(e.batchSendPool.ThreadNum()) }); err != nil {
		return translateError("metrics", err)
	}
	if err := e.registry.RegisterGaugeFunc(gaugeSendBatchQueueSize,
		"Tasks queued in the send batch pool.",
		func() float64 { return float64(e.batchSendPool.QueueSize()) }); err != nil {
		return translateError("metrics", err)
	}
	if err := e.registry.RegisterGaugeFunc(gaugeDownloadCacheThreadNum,
		"Worker threads in the download cache pool.",
		func() float64 { return float64(e.downloadCachePool.ThreadNum()) }); err != nil {
		return translateError("metrics", err)
	}
	if err := e.registry.RegisterGaugeFunc(gaugeDownloadCacheQueueSize,
		"Tasks queued in the download cache pool.",
		func() float64 { return float64(e.downloadCachePool.QueueSize()) }); err != nil {
		return translateError("metrics", err)
	}
	return nil
}

// deregisterMetricsHooks drops the lifecycle gauges. Deregistering an
// unbound name is a no-op.
func (e *Env) deregisterMetricsHooks() {
	e.registry.Deregister(gaugeScannerQueueSize)
	e.registry.Deregister(gaugeSendBatchThreadNum)
	e.registry.Deregister(gaugeSendBatchQueueSize)
	e.registry.Deregister(gaugeDownloadCacheThreadNum)
	e.registry.Deregister(gaugeDownloadCacheQueueSize)
}
