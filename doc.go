// Package scriptpool is a host-side library for executing untrusted
// scripts by delegating to a pool of long-lived external worker processes.
// It launches and supervises a primary process that forks and tracks the
// worker fleet, dials a request-multiplexed connection to each worker over
// a length-prefixed binary protocol, and hands out pooled, health-checked
// clients to callers.
//
// A minimal caller looks like:
//
//	h, err := scriptpool.Start(ctx, scriptpool.Config{
//		WorkerBinary: "/usr/local/bin/scriptexec",
//		WorkerCount:  4,
//	})
//	if err != nil {
//		return err
//	}
//	defer h.Close(ctx)
//
//	guard, err := h.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer guard.Release()
//
//	result, err := guard.Client().RunScript(ctx, args, nil)
package scriptpool
