package main

import (
	"context"
	"fmt"
	"os"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/internal/cli"
	"github.com/glimte/rabbitkit/internal/telemetry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	logger := telemetry.SetupLogger()
	messages := telemetry.NewMessageLogger(os.Stdout, telemetry.MessageLoggerConfig{
		Level:       os.Getenv("LOG_LEVEL"),
		ServiceName: "rabbitkit",
	})

	app := cli.NewApp(
		cli.WithLogger(logger),
		cli.WithVersion(fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime)),
		cli.WithContainerOptions(
			rabbitkit.WithMessageLogger(messages),
			rabbitkit.WithHandler("stdout", stdoutHandler(os.Stdout)),
			rabbitkit.WithHandler("ack", ackHandler),
		),
	)
	// consume installs its own signal handling, so the root context stays plain
	code := app.Execute(context.Background(), os.Args[1:])
	messages.Sync()
	os.Exit(code)
}
