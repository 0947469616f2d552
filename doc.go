// Package basalt assembles the execution environment of a basalt
// backend process.
//
// The environment owns every long-lived backend subsystem: exchange
// streams, query result plumbing, gRPC connection caches, worker
// pools, the pipeline and scanner schedulers, the load subsystem,
// remote storage brokers and the process-wide memory budgets. Init
// brings them up in dependency order; Destroy tears the managed subset
// down again.
//
// # Quick Start
//
//	cfg := config.NewDefault()
//	env := basalt.NewEnv(
//	    basalt.WithConfig(cfg),
//	    basalt.WithLogger(basalt.NewJSONLogger(slog.LevelInfo)),
//	)
//	if err := env.Init([]string{"/data/ssd0", "/data/ssd1"}); err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Destroy()
//
// Subsystems are reached through accessors:
//
//	conn, _ := env.BackendClientCache().Get("10.0.0.12:9060")
//	env.PipelineScheduler().Schedule(ctx, task)
//
// # Resource Budgets
//
// Init resolves the configured memory specs ("20%" of the process
// limit, or absolute byte counts) against the facts reported by the
// sysinfo provider and sizes the storage page cache, the segment
// loader and the chunk allocator from them. Those three are created
// once per process and deliberately survive Destroy.
//
// # Lifecycle Rules
//
//   - Init and Destroy are called by one controlling goroutine.
//   - Init is idempotent; a second call returns nil untouched.
//   - Destroy is a no-op before Init and after a previous Destroy.
//   - A failed Init does not roll back; the process should exit.
package basalt
