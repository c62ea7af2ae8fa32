package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vyrodovalexey/connect/internal/observability"
)

// Logger is the interface for audit logging.
type Logger interface {
	// Log hands a completed record to the sink. It never blocks on
	// persistence when the logger is asynchronous.
	Log(ctx context.Context, record *Record)

	// Close flushes pending records and releases the sink.
	Close() error
}

// writerLogger writes records as JSON lines.
type writerLogger struct {
	config  *Config
	writer  io.Writer
	closer  io.Closer
	logger  observability.Logger
	metrics *Metrics

	writeMu sync.Mutex

	// queueMu guards queue against send-after-close.
	queueMu sync.RWMutex
	queue   chan []byte
	closed  bool
	done    chan struct{}
}

// LoggerOption configures the audit logger.
type LoggerOption func(*writerLogger)

// WithLoggerWriter sets the output writer, overriding Output.
func WithLoggerWriter(w io.Writer) LoggerOption {
	return func(l *writerLogger) {
		l.writer = w
	}
}

// WithLoggerMetrics sets the metrics.
func WithLoggerMetrics(metrics *Metrics) LoggerOption {
	return func(l *writerLogger) {
		l.metrics = metrics
	}
}

// WithLoggerLogger sets the logger used to report sink problems.
func WithLoggerLogger(logger observability.Logger) LoggerOption {
	return func(l *writerLogger) {
		l.logger = logger
	}
}

// NewLogger creates a new audit logger. A disabled configuration yields
// a logger that discards every record.
func NewLogger(config *Config, opts ...LoggerOption) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return NewNoopLogger(), nil
	}

	l := &writerLogger{
		config: config,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetricsWithRegisterer("connect", nil)
	}

	if l.writer == nil {
		l.writer, l.closer = l.createWriter()
	}

	if config.Async {
		l.queue = make(chan []byte, config.GetEffectiveBufferSize())
		l.done = make(chan struct{})
		go l.drain()
	}

	return l, nil
}

// createWriter creates the output writer based on configuration.
func (l *writerLogger) createWriter() (io.Writer, io.Closer) {
	switch l.config.GetEffectiveOutput() {
	case OutputStderr:
		return os.Stderr, nil
	case OutputFile:
		rotator := &lumberjack.Logger{
			Filename:   l.config.File.Path,
			MaxSize:    l.config.File.MaxSizeMB,
			MaxBackups: l.config.File.MaxBackups,
			MaxAge:     l.config.File.MaxAgeDays,
			Compress:   l.config.File.Compress,
		}
		return rotator, rotator
	default:
		return os.Stdout, nil
	}
}

// Log encodes record and writes or enqueues it.
func (l *writerLogger) Log(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	line, err := json.Marshal(record)
	if err != nil {
		l.metrics.recordError()
		l.logger.WithContext(ctx).Error("failed to encode audit record",
			observability.String("id", record.ID),
			observability.Error(err),
		)
		return
	}
	line = append(line, '\n')

	if l.queue == nil {
		l.write(line, record.Request.Status)
		return
	}

	l.queueMu.RLock()
	defer l.queueMu.RUnlock()

	if l.closed {
		l.metrics.recordDropped()
		return
	}

	select {
	case l.queue <- line:
		l.metrics.recordAccepted(record.Request.Status)
	default:
		l.metrics.recordDropped()
		l.logger.WithContext(ctx).Warn("audit buffer full, record dropped",
			observability.String("id", record.ID),
		)
	}
}

func (l *writerLogger) drain() {
	defer close(l.done)
	for line := range l.queue {
		l.write(line, "")
	}
}

func (l *writerLogger) write(line []byte, status string) {
	l.writeMu.Lock()
	_, err := l.writer.Write(line)
	l.writeMu.Unlock()

	if err != nil {
		l.metrics.recordError()
		l.logger.Error("failed to write audit record", observability.Error(err))
		return
	}
	if status != "" {
		l.metrics.recordAccepted(status)
	}
}

// Close stops accepting records, flushes the queue and closes the file.
func (l *writerLogger) Close() error {
	if l.queue != nil {
		l.queueMu.Lock()
		if !l.closed {
			l.closed = true
			close(l.queue)
		}
		l.queueMu.Unlock()
		<-l.done
	}

	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// noopLogger discards records.
type noopLogger struct{}

// NewNoopLogger returns a logger that discards every record.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

// Log discards the record.
func (*noopLogger) Log(context.Context, *Record) {}

// Close does nothing.
func (*noopLogger) Close() error { return nil }
