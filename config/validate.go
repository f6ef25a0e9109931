package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/glimte/rabbitkit/rabbitmq"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field rules and the references between sections. Every
// failure wraps rabbitmq.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", rabbitmq.ErrInvalidConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}

	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	connections := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		check(unique("connection", conn.Name, connections))
	}
	exchanges := make(map[string]bool, len(c.Exchanges))
	for _, e := range c.Exchanges {
		check(unique("exchange", e.Name, exchanges))
	}
	queues := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name != "" {
			check(unique("queue", q.Name, queues))
		}
	}

	for _, b := range c.Bindings {
		if !exchanges[b.Exchange] {
			check(fmt.Errorf("binding references unknown exchange `%s`", b.Exchange))
		}
		if b.ToExchange != "" && !exchanges[b.ToExchange] {
			check(fmt.Errorf("binding references unknown exchange `%s`", b.ToExchange))
		}
	}

	producers := make(map[string]bool, len(c.Producers))
	for _, p := range c.Producers {
		check(unique("producer", p.Name, producers))
		if !connections[p.Connection] {
			check(fmt.Errorf("producer `%s` references unknown connection `%s`", p.Name, p.Connection))
		}
	}

	consumers := make(map[string]bool, len(c.Consumers))
	for _, cons := range c.Consumers {
		check(unique("consumer", cons.Name, consumers))
		if !connections[cons.Connection] {
			check(fmt.Errorf("consumer `%s` references unknown connection `%s`", cons.Name, cons.Connection))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

func unique(kind, name string, seen map[string]bool) error {
	if seen[name] {
		return fmt.Errorf("duplicate %s name `%s`", kind, name)
	}
	seen[name] = true
	return nil
}
