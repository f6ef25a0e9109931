package main

import (
	"context"
	"fmt"
	"io"

	"github.com/glimte/rabbitkit/rabbitmq"
)

// stdoutHandler writes every message body on its own line and acks it.
func stdoutHandler(w io.Writer) rabbitmq.Handler {
	return rabbitmq.HandlerFunc(func(ctx context.Context, msg *rabbitmq.Message) (rabbitmq.Result, error) {
		if _, err := fmt.Fprintln(w, string(msg.Body)); err != nil {
			return rabbitmq.Requeue, err
		}
		return rabbitmq.Ack, nil
	})
}

// ackHandler drops every message
var ackHandler = rabbitmq.HandlerFunc(func(ctx context.Context, msg *rabbitmq.Message) (rabbitmq.Result, error) {
	return rabbitmq.Ack, nil
})
