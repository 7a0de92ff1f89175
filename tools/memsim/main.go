// Command memsim exercises the kernel frame allocator, heap and shared memory
// layers on a hosted machine. Simulated physical memory is backed by an
// anonymous memory mapping.
package main

import (
	"corekern/kernel/mem"
	"flag"
	"fmt"
	"os"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	var (
		cfg      config
		memMiB   = flag.Uint("mem", 256, "simulated RAM size in MiB")
		heapMiB  = flag.Uint("heap", 16, "kernel heap size in MiB")
		ops      = flag.Int("ops", 100000, "total number of allocator operations")
		workers  = flag.Int("workers", 4, "number of concurrent workers")
		seed     = flag.Int64("seed", 1, "random seed")
		backward = flag.Bool("backward-coalescing", false, "merge freed heap blocks with free predecessors")
		dump     = flag.Bool("dump", false, "dump the frame bitmap after the run")
	)
	flag.Parse()

	if *workers <= 0 {
		exit(fmt.Errorf("workers must be positive"))
	}

	cfg = config{
		memSize:  mem.Size(*memMiB) * mem.Mb,
		heapSize: mem.Size(*heapMiB) * mem.Mb,
		ops:      *ops,
		workers:  *workers,
		seed:     *seed,
		backward: *backward,
		dump:     *dump,
	}

	sim, err := newSimulator(cfg, os.Stdout)
	if err != nil {
		exit(err)
	}

	runErr := sim.run()
	sim.report()

	if err := sim.close(); err != nil {
		exit(err)
	}

	if runErr != nil {
		exit(runErr)
	}
}
