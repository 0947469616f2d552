package basalt_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/basaltdb/basalt"
	"github.com/basaltdb/basalt/config"
	"github.com/basaltdb/basalt/sysinfo"
)

// Example_lifecycle demonstrates bringing the execution environment up
// against a set of store paths and tearing it down again.
func Example_lifecycle() {
	base, err := os.MkdirTemp("", "basalt-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(base)

	cfg := config.NewDefault()
	cfg.Pools.SendBatchThreadNum = 2
	cfg.Pools.SendBatchQueueSize = 16
	cfg.Pools.DownloadCacheThreadNum = 2
	cfg.Pools.DownloadCacheQueueSize = 16
	cfg.Pipeline.ExecutorSize = 2
	cfg.Query.ScannerThreadNum = 2
	cfg.Query.ScannerQueueSize = 16
	cfg.Load.SmallFileDir = filepath.Join(base, "small_file")

	env := basalt.NewEnv(
		basalt.WithConfig(cfg),
		basalt.WithSysProvider(sysinfo.Static{
			MemLimitBytes: 8 << 30,
			PhysMemBytes:  16 << 30,
			FDs:           60000,
		}),
	)

	stores := []string{
		filepath.Join(base, "ssd0"),
		filepath.Join(base, "ssd1"),
	}
	if err := env.Init(stores); err != nil {
		log.Fatal(err)
	}
	defer env.Destroy()

	fmt.Println("initialized:", env.Initialized())
	fmt.Println("store paths:", env.StorePathCount())

	idx, ok := env.StorePathIndex(stores[1])
	fmt.Println("second store index:", idx, ok)

	// Output:
	// initialized: true
	// store paths: 2
	// second store index: 1 true
}
