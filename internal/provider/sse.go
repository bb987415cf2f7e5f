package provider

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/agent-gateway/internal/event"
)

// sseStream decodes a text/event-stream response body into raw chunks.
// All four providers stream SSE; only the frame payloads differ.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

// Recv reads the next SSE frame. A frame ends at a blank line; comment
// lines and unknown fields are ignored per the SSE grammar. Multi-line
// data fields are joined with newlines.
func (s *sseStream) Recv() (RawChunk, error) {
	var chunk RawChunk
	var data [][]byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		switch {
		case len(line) == 0:
			if len(data) > 0 || chunk.Event != "" {
				chunk.Data = bytes.Join(data, []byte("\n"))
				return chunk, nil
			}
			// Leading blank line, keep scanning.
		case line[0] == ':':
			// Comment / keep-alive.
		case bytes.HasPrefix(line, []byte("event:")):
			chunk.Event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return RawChunk{}, err
	}
	if len(data) > 0 || chunk.Event != "" {
		chunk.Data = bytes.Join(data, []byte("\n"))
		return chunk, nil
	}
	return RawChunk{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// doStream executes a streaming POST and returns the decoded SSE stream.
// Non-2xx responses are drained, classified and returned as ProxyErrors so
// the orchestrator can decide between retry and terminal failure.
func doStream(client *http.Client, req *http.Request) (RawStream, error) {
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, event.Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return nil, classifyHTTPStatus(resp.StatusCode, body)
	}
	return newSSEStream(resp.Body), nil
}

// classifyHTTPStatus maps an upstream HTTP error response onto the proxy
// error taxonomy. 5xx and 429 are transient; other 4xx are semantic
// rejections that must not trip the breaker or be retried.
func classifyHTTPStatus(status int, body []byte) error {
	msg := upstreamErrorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	switch {
	case status >= 500:
		return event.NewProxyError(event.KindConnectionFailed, msg, true, nil)
	case status == http.StatusTooManyRequests:
		return event.NewProxyError(event.KindUpstreamRejected, msg, true, nil)
	default:
		return event.NewProxyError(event.KindUpstreamRejected, msg, false, nil)
	}
}

// upstreamErrorMessage pulls a human-readable message out of the common
// error envelope shapes without committing to any one provider's schema.
func upstreamErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"error.message", "message", "error", "msg"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
