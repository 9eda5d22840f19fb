package sinks

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tickframe/logpipe/pkg/compression"
	"github.com/tickframe/logpipe/pkg/types"
)

// StreamConfig configuração do sink de stream local
type StreamConfig struct {
	// Path is a file path, or "stdout" / "stderr".
	Path string `yaml:"path"`
	// SyncEveryAppend fsyncs after each payload. Costs latency, buys
	// durability across power loss.
	SyncEveryAppend bool `yaml:"sync_every_append"`
	// FilePermissions for created files, octal string (default "0644").
	FilePermissions string `yaml:"file_permissions"`
}

// StreamSink appends batches to a local stream as plain NDJSON, one record
// per line. Payloads compressed by the pipeline are decoded before the
// write so the file stays line-oriented regardless of transport encoding.
type StreamSink struct {
	config StreamConfig
	logger *logrus.Logger
	codec  *compression.Compressor

	file     *os.File
	closable bool
	mu       sync.Mutex

	bytesWritten atomic.Uint64
	appendErrors atomic.Uint64
	healthy      atomic.Bool
}

// NewStreamSink creates the sink; the target is opened on Start.
func NewStreamSink(config StreamConfig, logger *logrus.Logger) *StreamSink {
	if config.Path == "" {
		config.Path = "stdout"
	}
	return &StreamSink{
		config: config,
		logger: logger,
		codec:  compression.New(compression.Config{}),
	}
}

func (s *StreamSink) Name() string { return "stream" }

// Start abre o destino do stream.
func (s *StreamSink) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.config.Path {
	case "stdout":
		s.file = os.Stdout
	case "stderr":
		s.file = os.Stderr
	default:
		perm := os.FileMode(0o644)
		if s.config.FilePermissions != "" {
			var parsed uint32
			if _, err := fmt.Sscanf(s.config.FilePermissions, "%o", &parsed); err == nil {
				perm = os.FileMode(parsed)
			}
		}
		f, err := os.OpenFile(s.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
		if err != nil {
			return fmt.Errorf("failed to open stream target: %w", err)
		}
		s.file = f
		s.closable = true
	}

	s.healthy.Store(true)
	s.logger.WithField("path", s.config.Path).Info("Stream sink started")
	return nil
}

// Append escreve o payload completo; escrita parcial é erro.
func (s *StreamSink) Append(ctx context.Context, p types.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data := p.Data
	if p.Encoding != "" {
		decoded, err := s.codec.Decompress(data, compression.Algorithm(p.Encoding))
		if err != nil {
			return fmt.Errorf("failed to decode payload %s: %w", p.Encoding, err)
		}
		data = decoded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("stream sink not started")
	}

	n, err := s.file.Write(data)
	if err != nil {
		s.appendErrors.Add(1)
		s.healthy.Store(false)
		return fmt.Errorf("stream append failed: %w", err)
	}
	if n != len(data) {
		s.appendErrors.Add(1)
		return fmt.Errorf("stream short write: %d of %d bytes", n, len(data))
	}

	if s.config.SyncEveryAppend && s.closable {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("stream sync failed: %w", err)
		}
	}

	s.bytesWritten.Add(uint64(n))
	s.healthy.Store(true)
	return nil
}

func (s *StreamSink) IsHealthy() bool {
	return s.healthy.Load()
}

// BytesWritten total de bytes aceitos pelo stream.
func (s *StreamSink) BytesWritten() uint64 {
	return s.bytesWritten.Load()
}

// Stop fecha o arquivo (stdout/stderr ficam abertos).
func (s *StreamSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.healthy.Store(false)
	if s.file == nil || !s.closable {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.logger.WithError(err).Warn("Final stream sync failed")
	}
	err := s.file.Close()
	s.file = nil
	return err
}
