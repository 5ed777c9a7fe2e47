/*
Package workers bounds CPU-bound image work.

Decode, resize and encode are run through a Pool sized to the CPUs the
process may actually use. Request handlers and the background sweep both
submit work to the same pool, so a backlog of optimization passes cannot
starve uploads of more than their share of cores.

# Sizing

GOMAXPROCS is set from the container CPU limit (Go 1.19+), so it is used
instead of runtime.NumCPU:

	n := workers.ForCPU(0)     // one slot per available CPU
	pool := workers.NewPool(n)

An explicit size from configuration overrides the calculation:

	pool := workers.NewPool(workers.Count(1.0, 0, cfg.TranscodeWorkers))

# Usage

Run blocks until a slot is free (or ctx is done), then runs fn on the
calling goroutine:

	err := pool.Run(ctx, func() error {
		out, err = enc.Encode(img)
		return err
	})
*/
package workers
