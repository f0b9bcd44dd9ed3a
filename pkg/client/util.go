package client

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// zerologWriterLevel wraps an io.Writer that may be swapped out at runtime
// (e.g. on SIGHUP, to reopen a rotated log file) behind a minimum level
// filter. Mirrors the same helper in package server; each binary configures
// its own logging independently.
type zerologWriterLevel struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*zerologWriterLevel)(nil)

func newZerologWriterLevel(w io.Writer, l zerolog.Level) *zerologWriterLevel {
	return &zerologWriterLevel{w: w, l: l}
}

func (wl *zerologWriterLevel) Write(p []byte) (n int, err error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	if reopen == nil {
		reopen = func() {}
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// parseMaxBackoff parses c.MaxBackoff, returning the package default if
// empty.
func parseMaxBackoff(c *Config) (time.Duration, error) {
	if c.MaxBackoff == "" {
		return maxBackoff, nil
	}
	d, err := time.ParseDuration(c.MaxBackoff)
	if err != nil {
		return 0, fmt.Errorf("client: parse TUNNEL_MAX_BACKOFF: %w", err)
	}
	return d, nil
}
