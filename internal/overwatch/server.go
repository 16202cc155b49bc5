package overwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/hpcattach/internal/wire"
)

// Config controls the supervisor loop.
type Config struct {
	Grace  time.Duration
	Logger *slog.Logger
}

// Serve answers control frames read from r on w until Shutdown, EOF or ctx
// cancellation. Every exit path terminates the tracked groups, so the death
// of the frontend holding the other end of r cleans up like Shutdown does.
func Serve(ctx context.Context, r io.Reader, w io.Writer, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	g := NewGroup(log)

	type result struct {
		f   wire.Frame
		err error
	}
	frames := make(chan result)
	go func() {
		for {
			f, err := wire.ReadFrame(r)
			select {
			case frames <- result{f, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	shutdown := func(reason string) {
		killed := g.Terminate(grace)
		log.Info("overwatch cleanup", "reason", reason, "killed", len(killed))
	}

	for {
		var res result
		select {
		case <-ctx.Done():
			shutdown("canceled")
			return ctx.Err()
		case res = <-frames:
		}
		if res.err != nil {
			if errors.Is(res.err, io.EOF) || errors.Is(res.err, io.ErrUnexpectedEOF) {
				shutdown("control channel closed")
				return nil
			}
			shutdown("bad frame")
			return fmt.Errorf("read control frame: %w", res.err)
		}
		switch res.f.Header.Kind {
		case wire.KindRegister:
			var m wire.Register
			err := res.f.Decode(&m)
			if err == nil {
				err = g.Add(m.PID)
			}
			if err == nil {
				log.Debug("tracking", "pid", m.PID)
			}
			if err := reply(w, err); err != nil {
				shutdown("reply failed")
				return err
			}
		case wire.KindDeregister:
			var m wire.Deregister
			err := res.f.Decode(&m)
			if err == nil {
				g.Remove(m.PID)
				log.Debug("released", "pid", m.PID)
			}
			if err := reply(w, err); err != nil {
				shutdown("reply failed")
				return err
			}
		case wire.KindShutdown:
			shutdown("shutdown requested")
			return reply(w, nil)
		default:
			if err := reply(w, fmt.Errorf("unexpected %s frame", res.f.Header.Kind)); err != nil {
				shutdown("reply failed")
				return err
			}
		}
	}
}

func reply(w io.Writer, err error) error {
	if err != nil {
		return wire.Write(w, wire.KindError, wire.Reply{Error: err.Error()})
	}
	return wire.Write(w, wire.KindOK, wire.Reply{})
}
