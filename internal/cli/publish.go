package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitkit"
)

func (a *App) publishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <producer> <exchange> [routing-key]",
		Short: "Publish the data piped to stdin",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			producerName, exchange := args[0], args[1]
			routingKey := ""
			if len(args) == 3 {
				routingKey = args[2]
			}

			if a.isTerminal(a.in) {
				return a.fail("Please pipe in some data in order to send it.")
			}

			container, err := a.container()
			if err != nil {
				return err
			}
			defer container.Close()

			producer, err := container.Producer(cmd.Context(), producerName)
			if errors.Is(err, rabbitkit.ErrNotFound) {
				return a.fail("Producer `%s` doesn't exist.", producerName)
			}
			if err != nil {
				return err
			}

			data, err := io.ReadAll(a.in)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			if err := producer.Publish(cmd.Context(), data, exchange, routingKey, nil); err != nil {
				return err
			}
			a.success("Message was successfully published.")
			return nil
		},
	}
}
