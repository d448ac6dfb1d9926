package port

import "context"

type KeyLocker interface {
	// Lock blocks until exclusive access to key is held or ctx is done
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
