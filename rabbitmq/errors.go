package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed     = errors.New("rabbitmq: connection is closed")
	ErrInvalidArgument      = errors.New("rabbitmq: invalid argument")
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")

	// Topology errors
	ErrNotConfigured = errors.New("rabbitmq: not configured")

	// Publisher errors
	ErrExchangeNotFound = errors.New("rabbitmq: exchange does not exist")

	// Consumer errors
	ErrIdleTimeout  = errors.New("rabbitmq: idle timeout expired")
	ErrHandlerPanic = errors.New("rabbitmq: handler panicked")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	if errors.Is(e.Err, ErrNotConfigured) {
		return fmt.Sprintf("rabbitmq topology error: %s `%s` is not configured, %s is aborted", e.Component, e.Name, e.Op)
	}
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s `%s`: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Producer   string
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: producer %s failed to publish to %s/%s: %v",
		e.Producer, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Consumer    string
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s: %v", e.Op, e.Consumer, e.Err)
	}
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.Consumer, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// isProtocolError reports whether err is a broker-level (channel or connection) exception.
func isProtocolError(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr)
}

// SanitizeURL removes the password from connection URLs
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
