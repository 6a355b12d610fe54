// Package mutex implements a distributed mutual-exclusion lock on top of a
// key-value store with atomic conditional writes and expiry.
//
// A Mutex addresses one lock record, keyed "lock:<name>:<id>". Acquiring
// writes a fresh random holder token with SET-if-absent and a TTL; releasing
// deletes the record only if it still carries that token, in one atomic
// store-side step, so a holder whose TTL ran out can never delete the record
// of whoever acquired the lock next. The TTL is the safety net for crashed
// holders; locks are not renewed, not reentrant and not fair.
//
//	m, err := mutex.New("invoices", "billing-1", 30*time.Second, store.NewRedis(client))
//	if err != nil {
//		return err
//	}
//	err = m.WithOptimisticLock(ctx, mutex.OptimisticOptions{MaxWaitTime: 2 * time.Second},
//		func(ctx context.Context) error {
//			return closeInvoices(ctx)
//		})
//	if errors.Is(err, mutexerrors.ErrLockNotObtained) {
//		// busy, try again later
//	}
package mutex
