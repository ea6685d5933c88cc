package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const bufferSize = 32 * 1024

// activity is the last time either direction moved a byte.
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() { a.last.Store(time.Now().UnixNano()) }

// deadline is when the session goes idle if neither side moves.
func (a *activity) deadline(idle time.Duration) time.Time {
	return time.Unix(0, a.last.Load()).Add(idle)
}

// relay pumps bytes both ways until one side finishes, then closes both sockets.
// onSent sees client to backend bytes and onRecv backend to client bytes.
// ctx ending closes both sockets to unblock in-flight I/O.
// With idle set, the session ends only after both directions were quiet for idle.
func relay(ctx context.Context, client, backend net.Conn, idle time.Duration, onSent, onRecv func(int64)) error {
	errCh := make(chan error, 2)
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-stop:
		}
	}()

	act := &activity{}
	act.touch()
	go func() { errCh <- copyCounted(backend, client, idle, act, onSent) }()
	go func() { errCh <- copyCounted(client, backend, idle, act, onRecv) }()

	firstErr := <-errCh
	closeBoth()
	<-errCh

	if firstErr != nil && !errors.Is(firstErr, io.EOF) && !errors.Is(firstErr, net.ErrClosed) {
		return firstErr
	}
	return nil
}

// copyCounted copies src into dst. A read timeout is retried while the other direction keeps act fresh.
func copyCounted(dst, src net.Conn, idle time.Duration, act *activity, count func(int64)) error {
	buf := make([]byte, bufferSize)
	for {
		if idle > 0 {
			if err := src.SetReadDeadline(act.deadline(idle)); err != nil {
				return err
			}
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			act.touch()
			if idle > 0 {
				if err := dst.SetWriteDeadline(time.Now().Add(idle)); err != nil {
					return err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			act.touch()
			if count != nil {
				count(int64(n))
			}
		}
		if readErr != nil {
			var ne net.Error
			if idle > 0 && errors.As(readErr, &ne) && ne.Timeout() && time.Now().Before(act.deadline(idle)) {
				continue
			}
			return readErr
		}
	}
}
