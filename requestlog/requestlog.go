// Package requestlog implements the structured JSONL request-record sink.
// Records flow through a bounded channel; when the buffer is full they are
// dropped and counted, never blocking request handling.
package requestlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/metrics"
)

// maxBodyBytes bounds request/response body copies in records.
const maxBodyBytes = 4096

// Record is one JSONL line describing a completed request. Header values
// must be pre-masked by the caller; the sink persists them as given.
type Record struct {
	Time           time.Time         `json:"time"`
	RequestID      string            `json:"request_id"`
	Endpoint       string            `json:"endpoint"`
	Status         int               `json:"status"`
	DurationMS     int64             `json:"duration_ms"`
	Model          string            `json:"model,omitempty"`
	MappedModel    string            `json:"mapped_model,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Credential     string            `json:"credential,omitempty"`
	ClientProtocol string            `json:"client_protocol,omitempty"`
	Streaming      bool              `json:"streaming,omitempty"`
	InputTokens    int               `json:"input_tokens,omitempty"`
	OutputTokens   int               `json:"output_tokens,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
}

// Sink writes records to a JSONL file from a single background goroutine.
type Sink struct {
	ch      chan Record
	file    *os.File
	metrics *metrics.Collector
	logger  *zap.Logger
	done    chan struct{}
}

// NewSink opens (or creates) the JSONL file in append mode.
func NewSink(path string, bufferSize int, collector *metrics.Collector, logger *zap.Logger) (*Sink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open request log %s: %w", path, err)
	}
	return &Sink{
		ch:      make(chan Record, bufferSize),
		file:    file,
		metrics: collector,
		logger:  logger.With(zap.String("component", "request_log")),
		done:    make(chan struct{}),
	}, nil
}

// Write enqueues a record without blocking. On a full buffer the record is
// dropped and the drop counter incremented.
func (s *Sink) Write(rec Record) {
	select {
	case s.ch <- rec:
	default:
		s.metrics.RecordLogDropped()
	}
}

// Run consumes records until ctx is cancelled, then drains what is already
// buffered and closes the file.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	enc := json.NewEncoder(s.file)

	for {
		select {
		case rec := <-s.ch:
			s.encode(enc, rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-s.ch:
					s.encode(enc, rec)
				default:
					if err := s.file.Close(); err != nil {
						s.logger.Warn("close request log", zap.Error(err))
					}
					return
				}
			}
		}
	}
}

// Wait blocks until Run has finished draining.
func (s *Sink) Wait() { <-s.done }

func (s *Sink) encode(enc *json.Encoder, rec Record) {
	if err := enc.Encode(rec); err != nil {
		s.logger.Warn("write request log record", zap.Error(err))
	}
}

// TruncateBody bounds a body copy for inclusion in a record.
func TruncateBody(body []byte) string {
	if len(body) > maxBodyBytes {
		return string(body[:maxBodyBytes]) + "...[truncated]"
	}
	return string(body)
}
