package channel

import "sync"

// Link composes several cancellation signals into one derived signal that
// fires the first time any source fires. Nil sources are ignored. The
// returned release function frees the linking goroutines and must be called
// once the derived signal is no longer needed; it does not fire the signal.
func Link(signals ...<-chan struct{}) (<-chan struct{}, func()) {
	out := make(chan struct{})
	stop := make(chan struct{})
	var fireOnce, stopOnce sync.Once
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		go func(sig <-chan struct{}) {
			select {
			case <-sig:
				fireOnce.Do(func() { close(out) })
			case <-stop:
			case <-out:
			}
		}(sig)
	}
	return out, func() { stopOnce.Do(func() { close(stop) }) }
}
