package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "chatrelay/pkg/logx"
)

// slowCommand is the duration above which a finished command is logged at
// info level. Broadcasts routinely exceed it and opt out via Timeout -1.
const slowCommand = 2 * time.Second

// errCommandPanicked wraps the value recovered from a handler.
var errCommandPanicked = errors.New("command panicked")

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware decorates a command handler.
type Middleware func(next HandlerFunc) HandlerFunc

// wrap applies mw so that mw[0] is the outermost layer.
func wrap(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// withDeadline bounds a handler. d <= 0 leaves the context untouched.
func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// recoverPanics turns a handler panic into errCommandPanicked so one bad
// command cannot take down a dispatch worker.
func recoverPanics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if v := recover(); v != nil {
					req.Logger.Error("command panicked",
						logx.Any("panic", v),
						logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("%w: %v", errCommandPanicked, v)
				}
			}()
			return next(ctx, req)
		}
	}
}

// logOutcome records how a command ended. req.Logger already carries the
// request id, chat and command.
func logOutcome() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{logx.Duration("took", took), logx.Int("args_len", len(req.Args))}
			if req.Message != nil {
				fields = append(fields, logx.String("chat_kind", string(req.Message.ChatKind)))
			}
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				req.Logger.Warn("command timed out", fields...)
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				req.Logger.Info("command finished (slow)", fields...)
			default:
				req.Logger.Debug("command finished", fields...)
			}
			return err
		}
	}
}
