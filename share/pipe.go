package htshare

import (
	"io"
	"sync"
)

// Pipe concurrently copies in both directions between two socket-like
// objects, returning after both directions have terminated and both src and
// dst have been closed.
//
// End-of-stream on one side is propagated to the other with CloseWrite when
// supported, so half-close protocols keep working. An error in either
// direction closes both ends outright, so a failed leg can never leave its
// peer dangling half-open. The first error seen (excluding expected
// end-of-stream) is returned.
func Pipe(src io.ReadWriteCloser, dst io.ReadWriteCloser) (sent int64, received int64, err error) {
	var errOnce sync.Once
	var wg sync.WaitGroup

	copyHalf := func(w io.ReadWriteCloser, r io.ReadWriteCloser, n *int64) {
		defer wg.Done()
		nb, copyErr := io.Copy(w, r)
		*n = nb
		if copyErr != nil {
			errOnce.Do(func() {
				err = copyErr
			})
			src.Close()
			dst.Close()
			return
		}
		if whc, ok := w.(WriteHalfCloser); ok {
			whc.CloseWrite()
		}
	}

	wg.Add(2)
	go copyHalf(src, dst, &received)
	go copyHalf(dst, src, &sent)
	wg.Wait()
	src.Close()
	dst.Close()
	return sent, received, err
}
