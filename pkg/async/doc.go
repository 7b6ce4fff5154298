// Package async runs long-lived background tasks with panic recovery.
//
//	errs := async.Go(ctx, logger, "membership pruner", func(ctx context.Context) error {
//		cache.RunPruner(ctx, time.Minute)
//		return nil
//	})
//
// The returned channel yields the task's result once and is then closed. A
// panic is recovered and delivered as a *PanicError.
package async
