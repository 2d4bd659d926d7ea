package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "fragbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs outermost. Dispatch composes
// Chain(h, MWPanicRecover, MWRequestLog, MWTimeout): the recover sees
// everything, the log measures the handler plus its timeout.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// MWTimeout derives a bounded context per request. Zero or negative d
// leaves the handler unbounded.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, req)
		}
	}
}

// MWPanicRecover converts a handler panic into an error so one bad
// command cannot take the worker down.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLogger(log, req).Error("panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog records the outcome and duration of every request.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			logRequestOutcome(reqLogger(log, req), req, time.Since(start), err)
			return err
		}
	}
}

// slowRequestThreshold is where a successful request graduates from
// DEBUG to INFO, keeping the info stream to the requests worth seeing.
const slowRequestThreshold = 750 * time.Millisecond

func logRequestOutcome(logger logx.Logger, req *Request, took time.Duration, err error) {
	fields := []logx.Field{
		logx.String("kind", string(req.Update.Kind)),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int("thread_id", req.Chat.ThreadID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", req.Command),
		logx.Duration("dur", took),
	}
	switch {
	case err != nil:
		logger.Warn("request failed", append(fields, logx.Err(err))...)
	case took >= slowRequestThreshold:
		logger.Info("request ok", fields...)
	default:
		logger.Debug("request ok", fields...)
	}
}

// reqLogger prefers the request-scoped logger (it carries rid, chat and
// command fields) over the manager-level fallback.
func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}
