package rabbitmq

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/labstack/gommon/color"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// LoggerOptions toggles the two message sinks.
type LoggerOptions struct {
	Enabled      bool
	Category     string
	PrintConsole bool
	SystemMemory bool
}

// Logger writes per-message records to a zap logger and colored status lines
// to the console.
type Logger struct {
	opts    LoggerOptions
	log     *zap.Logger
	console *color.Color
	now     func() time.Time
	memory  func() uint64
}

// LoggerOption configures the Logger
type LoggerOption func(*Logger)

// WithConsoleOutput redirects console lines. Color is only kept for terminals.
func WithConsoleOutput(w io.Writer) LoggerOption {
	return func(l *Logger) {
		l.console.SetOutput(w)
	}
}

// WithMemoryReader replaces the process memory reading.
func WithMemoryReader(read func() uint64) LoggerOption {
	return func(l *Logger) {
		l.memory = read
	}
}

// NewLogger creates a Logger. A nil zap logger discards structured records.
func NewLogger(log *zap.Logger, opts LoggerOptions, options ...LoggerOption) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Category == "" {
		opts.Category = "application"
	}
	l := &Logger{
		opts:    opts,
		log:     log.Named(opts.Category),
		console: color.New(),
		now:     time.Now,
		memory:  ProcessMemory,
	}
	l.console.SetOutput(os.Stdout)
	for _, opt := range options {
		opt(l)
	}
	return l
}

// NopLogger returns a disabled Logger.
func NopLogger() *Logger {
	return NewLogger(nil, LoggerOptions{})
}

// Memory renders the current memory reading for log records.
func (l *Logger) Memory() string {
	return formatMemory(l.opts.SystemMemory, l.memory)
}

// Processed records a settled delivery.
func (l *Logger) Processed(queue string, d *amqp.Delivery, result Result, elapsed time.Duration) {
	if l == nil || !l.opts.Enabled {
		return
	}
	memory := l.Memory()

	if l.opts.PrintConsole {
		format := "%s - Message from queue `%s` consumed successfully! Execution time: %s %s"
		paint := l.console.Yellow
		switch result {
		case Requeue:
			format = "%s - Message from queue `%s` was not processed and sent back to queue! Execution time: %s %s"
			paint = l.console.Red
		case Reject:
			format = "%s - Message from queue `%s` was not processed and dropped from queue! Execution time: %s %s"
			paint = l.console.Red
		}
		l.console.Println(paint(fmt.Sprintf(format, l.now().Format(consoleTimeFormat), queue, executionTime(elapsed), memory)))
	}

	l.log.Info("Queue message processed.",
		zap.String("queue", queue),
		zap.ByteString("message", d.Body),
		zap.Any("headers", d.Headers),
		zap.String("return_code", result.String()),
		zap.String("execution_time", executionTime(elapsed)),
		zap.String("memory", memory),
	)
}

// Failed records a handler or deserializer error with its stack.
func (l *Logger) Failed(queue string, d *amqp.Delivery, err error, stack []byte, elapsed time.Duration) {
	if l == nil || !l.opts.Enabled {
		return
	}
	if l.opts.PrintConsole {
		l.console.Println(l.console.Red("Error: " + err.Error()))
	}
	l.log.Error(err.Error(),
		zap.String("queue", queue),
		zap.ByteString("message", d.Body),
		zap.ByteString("stacktrace", stack),
		zap.String("execution_time", executionTime(elapsed)),
	)
}

// Published records an outgoing message.
func (l *Logger) Published(exchange, routingKey string, body []byte, headers amqp.Table) {
	if l == nil || !l.opts.Enabled {
		return
	}
	l.log.Info("AMQP message published",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.ByteString("message", body),
		zap.Any("headers", headers),
	)
}

// Notice prints a plain status line to the console, e.g. on stop.
func (l *Logger) Notice(msg string) {
	if l == nil || !l.opts.Enabled {
		return
	}
	if l.opts.PrintConsole {
		l.console.Println(l.console.Yellow(msg))
	}
	l.log.Info(msg)
}

// executionTime formats elapsed as seconds rounded to milliseconds, e.g. "0.012s".
func executionTime(elapsed time.Duration) string {
	return strconv.FormatFloat(elapsed.Round(time.Millisecond).Seconds(), 'f', -1, 64) + "s"
}
