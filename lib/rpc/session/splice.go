package session

import (
	"io"
	"sync"
)

// Splice relays bytes bidirectionally between a and b until either
// side's read or write fails, then closes both. Used wherever the
// server mediates between two raw transports without parsing what
// passes through: forwarded sessions and join-code rendezvous alike.
func Splice(a, b Transport) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
	}()
	wg.Wait()
	a.Close()
	b.Close()
}
