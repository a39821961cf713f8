package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/bufpool"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

// session is one origin byte-range fetch with retries. It streams chunks
// into the loader's event channel; at most one session exists per loader.
type session struct {
	l         *Loader
	ctx       context.Context
	cancel    context.CancelFunc
	start     int64
	end       int64 // last offset to fetch, -1 for open-ended
	chunkSize int
}

func (l *Loader) newSession(start, end int64, chunkSize int) *session {
	ctx, cancel := context.WithCancel(l.ctx)
	return &session{
		l:         l,
		ctx:       ctx,
		cancel:    cancel,
		start:     start,
		end:       end,
		chunkSize: chunkSize,
	}
}

// run executes the fetch with exponential backoff. A retry resumes at the
// first offset that has not been streamed yet; cancellation short-circuits
// the backoff sleeps through the context.
func (s *session) run() {
	offset := s.start
	attempt := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.l.cfg.RetryInitialInterval
	bo.Multiplier = 2.0
	bo.MaxInterval = s.l.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, s.l.cfg.MaxRetries), s.ctx)

	err := backoff.Retry(func() error {
		attempt++
		err := s.fetch(&offset)
		if err == nil {
			return nil
		}
		if !retriable(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("origin fetch failed, retrying",
			logger.Resource(s.l.key), logger.Offset(offset),
			logger.Attempt(attempt), logger.MaxRetries(int(s.l.cfg.MaxRetries)),
			logger.Err(err))
		return err
	}, policy)

	s.send(evSessionEnd{err: err})
}

// fetch performs one origin attempt. offset is advanced as chunks are
// handed off, so the next attempt resumes where this one stopped.
func (s *session) fetch(offset *int64) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.l.url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build origin request: %w", err))
	}
	for k, v := range s.l.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
	if s.end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", *offset, s.end))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", *offset))
	}

	resp, err := s.l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var total int64 = metadata.UnknownLength
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if start, t, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			total = t
			*offset = start
		}
	case http.StatusOK:
		// Origin ignored the range header; the body starts at zero.
		*offset = 0
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
	default:
		return &HTTPStatusError{Code: resp.StatusCode}
	}

	s.send(evInfo{info: metadata.ContentInfo{
		ContentType: resp.Header.Get("Content-Type"),
		TotalLength: total,
		SupportsRange: resp.StatusCode == http.StatusPartialContent ||
			strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}})

	for {
		buf := bufpool.Get(s.chunkSize)
		n, rerr := readFill(resp.Body, buf)
		if n > 0 {
			if !s.send(evChunk{offset: *offset, data: buf[:n]}) {
				return context.Canceled
			}
			*offset += int64(n)
		} else {
			bufpool.Put(buf)
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// send delivers an event to the loader loop, giving up on cancellation.
// For chunk events, buffer ownership passes to the loop.
func (s *session) send(ev event) bool {
	select {
	case s.l.events <- ev:
		return true
	case <-s.l.ctx.Done():
		if chunk, ok := ev.(evChunk); ok {
			bufpool.Put(chunk.data)
		}
		return false
	}
}

// readFill reads until buf is full, EOF, or an error.
func readFill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// parseContentRange extracts the start offset and total length from a
// "bytes A-B/T" header. The total may be "*" for unknown.
func parseContentRange(header string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(header, "bytes ")
	if !found {
		return 0, 0, false
	}
	span, totalStr, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	startStr, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	total = metadata.UnknownLength
	if t := strings.TrimSpace(totalStr); t != "*" {
		total, err = strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}

// retriable classifies transient failures: transport errors and a small set
// of HTTP statuses retry; cancellation and other statuses are terminal.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retriable()
	}
	return true
}
