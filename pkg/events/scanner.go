// Package events streams the simulation event log, filters it against the
// configured predicates and writes the compact Parquet intermediate.
package events

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/trajflow/trajflow/pkg/storage/object"
)

// rawEvent is an unvalidated event tag. Fields stay strings until a filter
// worker parses them; the scanner only slices attributes out of the tag.
type rawEvent struct {
	Type   string
	Time   string
	Person string
	Link   string
}

// OpenSource opens the event log for streaming, transparently decompressing
// gzip inputs. The returned size is the on-disk (compressed) size; onBytes,
// when non-nil, observes raw source bytes as they are consumed, so progress
// against size stays accurate under decompression.
func OpenSource(ctx context.Context, path string, onBytes func(n int64)) (io.ReadCloser, int64, error) {
	r, size, err := object.Open(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	var src io.ReadCloser = r
	if onBytes != nil {
		src = &countingReader{inner: r, onBytes: onBytes}
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return src, size, nil
	}
	gz, err := gzip.NewReader(src)
	if err != nil {
		src.Close()
		return nil, 0, fmt.Errorf("gzip open %s: %w", path, err)
	}
	return &gzipReadCloser{gz: gz, inner: src}, size, nil
}

// countingReader sits below any decompression layer and reports bytes read
// from the underlying source.
type countingReader struct {
	inner   io.ReadCloser
	onBytes func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		c.onBytes(int64(n))
	}
	return n, err
}

func (c *countingReader) Close() error { return c.inner.Close() }

type gzipReadCloser struct {
	gz    *gzip.Reader
	inner io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	g.gz.Close()
	return g.inner.Close()
}

// scanner reads event tags incrementally and groups them into bounded-size
// chunks. The whole log is never resident in memory.
type scanner struct {
	chunkSize int
}

var (
	tagEvent = []byte("<event")
)

// scan sends chunks of raw events until EOF or cancellation. The channel is
// closed by the caller.
func (s *scanner) scan(ctx context.Context, r io.Reader, chunks chan<- []rawEvent) error {
	br := bufio.NewReaderSize(r, 256*1024)
	chunk := make([]rawEvent, 0, s.chunkSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tag, err := br.ReadBytes('>')
		if len(tag) > 0 {
			tag = bytes.TrimSpace(tag)
			if isEventTag(tag) {
				chunk = append(chunk, parseEventTag(tag))
				if len(chunk) >= s.chunkSize {
					select {
					case chunks <- chunk:
					case <-ctx.Done():
						return ctx.Err()
					}
					chunk = make([]rawEvent, 0, s.chunkSize)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("event stream read: %w", err)
		}
	}

	if len(chunk) > 0 {
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isEventTag(tag []byte) bool {
	if !bytes.HasPrefix(tag, tagEvent) {
		return false
	}
	// A bare "<event" with nothing after it is a tag truncated at EOF.
	if len(tag) == len(tagEvent) {
		return false
	}
	// Reject <events ...> container tags.
	c := tag[len(tagEvent)]
	return c == ' ' || c == '\t' || c == '/' || c == '>'
}

// parseEventTag extracts the standard attributes from an event tag. Unknown
// attributes are ignored; the intermediate store does not carry them.
func parseEventTag(tag []byte) rawEvent {
	var ev rawEvent
	rest := tag[len(tagEvent):]
	for {
		idx := bytes.IndexByte(rest, '=')
		if idx < 0 {
			break
		}
		key := bytes.TrimSpace(rest[:idx])
		rest = rest[idx+1:]
		if len(rest) == 0 || rest[0] != '"' {
			break
		}
		end := bytes.IndexByte(rest[1:], '"')
		if end < 0 {
			break
		}
		value := rest[1 : 1+end]
		rest = rest[end+2:]

		switch string(key) {
		case "type":
			ev.Type = string(value)
		case "time":
			ev.Time = string(value)
		case "person":
			ev.Person = string(value)
		case "link":
			ev.Link = string(value)
		}
	}
	return ev
}
