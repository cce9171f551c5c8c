package installer

import "sync"

// keyedmutex serializes install/uninstall operations per (device,
// service) pair (spec §5), generalizing the teacher's sync.Map-based
// session table (pkg/mcp/mcp.go's sessions sync.Map) from "one entry per
// value" into "one lock per key".
type keyedmutex struct {
	locks sync.Map // key -> *sync.Mutex
}

func (k *keyedmutex) lockFor(key string) *sync.Mutex {
	actual, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Lock acquires the mutex for key, returning a release function.
func (k *keyedmutex) Lock(key string) func() {
	m := k.lockFor(key)
	m.Lock()
	return m.Unlock
}

func installKey(deviceHost, service string) string {
	return deviceHost + "::" + service
}
