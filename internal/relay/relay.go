// Package relay splices two byte streams together.
package relay

import (
	"io"
	"sync"
)

// Result reports how many bytes moved in each direction.
type Result struct {
	AToB int64
	BToA int64
}

// Splice copies a->b and b->a concurrently. As soon as either direction hits
// end of stream or an error both connections are closed, which unblocks the
// other direction. Splice returns once both copies have stopped.
func Splice(a, b io.ReadWriteCloser) Result {
	var (
		res  Result
		wg   sync.WaitGroup
		once sync.Once
	)
	closeBoth := func() { _ = a.Close(); _ = b.Close() }
	copyFn := func(dst io.Writer, src io.Reader, n *int64) {
		defer wg.Done()
		*n, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(b, a, &res.AToB)
	go copyFn(a, b, &res.BToA)
	wg.Wait()
	return res
}
