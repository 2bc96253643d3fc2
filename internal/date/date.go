// Package date caches the value of the HTTP Date response header.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	users   int
	stopped chan struct{}
)

// Start begins refreshing the cached value twice a second and returns a stop
// function. Calls nest: the ticker runs until every caller has stopped.
func Start() (stop func()) {
	mu.Lock()
	defer mu.Unlock()

	refresh(time.Now())
	users++
	if users == 1 {
		stopped = make(chan struct{})
		go tick(stopped)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			users--
			if users == 0 {
				close(stopped)
			}
		})
	}
}

func tick(done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			refresh(now)
		case <-done:
			return
		}
	}
}

func refresh(now time.Time) {
	b := []byte(now.UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached header value, formatting the current time when
// the cache has never been started.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
