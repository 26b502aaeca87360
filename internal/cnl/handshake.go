package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

const hello = "CANNELLONIv1"

var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake exchanges the hello token in both directions at once (the peer
// may be writing before it reads). Cancelling ctx aborts pending I/O.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.WriteString(c, hello)
		return err
	})
	g.Go(func() error {
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(c, buf); err != nil {
			return err
		}
		if string(buf) != hello {
			return fmt.Errorf("%w %q", ErrBadHello, buf)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}
