package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/multierr"
)

// closeWriter is implemented by connections that support half-close.
type closeWriter interface {
	CloseWrite() error
}

// Pipe copies client→upstream and upstream→client concurrently. Reads from
// the client go through clientReader so that bytes already buffered by the
// HTTP server are not lost. When one direction reaches EOF the write side of
// the other connection is half-closed; an error in either direction, or ctx
// ending, closes both connections. Pipe returns once both directions are
// done, with the byte counts sent upstream and downstream.
func Pipe(ctx context.Context, client net.Conn, clientReader io.Reader, upstream net.Conn) (up, down int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if clientReader == nil {
		clientReader = client
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		_ = client.Close()
		_ = upstream.Close()
	}()

	var (
		wg             sync.WaitGroup
		upErr, downErr error
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		up, upErr = io.Copy(upstream, clientReader)
		if upErr != nil || !halfClose(upstream) {
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		down, downErr = io.Copy(client, upstream)
		if downErr != nil || !halfClose(client) {
			cancel()
		}
	}()

	wg.Wait()
	parentErr := context.Cause(ctx)
	cancel()
	<-closed

	err = multierr.Combine(ignoreClosed(upErr), ignoreClosed(downErr))
	if err == nil && !errors.Is(parentErr, context.Canceled) {
		err = parentErr
	}
	return up, down, err
}

func halfClose(conn net.Conn) bool {
	cw, ok := conn.(closeWriter)
	if !ok {
		return false
	}
	return cw.CloseWrite() == nil
}

// ignoreClosed drops the error a copy sees when the other direction has
// already closed the connection.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
