// Package cli implements the rabbitkit command line: running consumers,
// publishing from stdin and managing the configured topology.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/labstack/gommon/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/config"
)

// Process exit codes
const (
	ExitCodeNormal = 0
	ExitCodeError  = 1
)

// EnvConfig names the config file when --config is not given
const EnvConfig = "RABBITKIT_CONFIG"

const defaultConfigPath = "rabbitkit.json"

// ExitError carries a process exit code. A nil Err means the message, if any,
// was already printed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// App holds the streams and container options shared by every command.
type App struct {
	in         io.Reader
	out        *color.Color
	err        *color.Color
	logger     *slog.Logger
	configPath string
	options    []rabbitkit.Option
	isTerminal func(io.Reader) bool
	version    string
}

// Option configures the App
type Option func(*App)

// WithStreams replaces stdin, stdout and stderr.
func WithStreams(in io.Reader, out, errOut io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out.SetOutput(out)
		a.err.SetOutput(errOut)
	}
}

// WithContainerOptions passes options, typically handlers, to the container.
func WithContainerOptions(opts ...rabbitkit.Option) Option {
	return func(a *App) {
		a.options = append(a.options, opts...)
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithVersion sets the version string printed by --version
func WithVersion(version string) Option {
	return func(a *App) {
		a.version = version
	}
}

// WithTerminalCheck replaces the stdin terminal detection.
func WithTerminalCheck(check func(io.Reader) bool) Option {
	return func(a *App) {
		a.isTerminal = check
	}
}

// NewApp creates an App writing to the process streams.
func NewApp(opts ...Option) *App {
	a := &App{
		in:         os.Stdin,
		out:        color.New(),
		err:        color.New(),
		logger:     slog.Default(),
		isTerminal: isTerminal,
		version:    "dev",
	}
	a.out.SetOutput(os.Stdout)
	a.err.SetOutput(os.Stderr)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Command builds the command tree.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "rabbitkit",
		Short:         "Run RabbitMQ consumers and manage the configured topology",
		Version:       a.version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $"+EnvConfig+" or "+defaultConfigPath+")")

	root.AddCommand(
		a.consumeCommand(),
		a.restartConsumeCommand(),
		a.publishCommand(),
		a.declareAllCommand(),
		a.declareExchangeCommand(),
		a.declareQueueCommand(),
		a.deleteAllCommand(),
		a.deleteExchangeCommand(),
		a.deleteQueueCommand(),
		a.purgeQueueCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func (a *App) Execute(ctx context.Context, args []string) int {
	cmd := a.Command()
	cmd.SetArgs(args)
	cmd.SetIn(a.in)
	cmd.SetOut(a.out.Output())
	cmd.SetErr(a.err.Output())

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitCodeNormal
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			a.failure(exitErr.Err.Error())
		}
		return exitErr.Code
	}
	a.failure(err.Error())
	return ExitCodeError
}

// container loads the config and builds the container. The caller closes it.
func (a *App) container() (*rabbitkit.Container, error) {
	path := a.configPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	opts := append([]rabbitkit.Option{rabbitkit.WithLogger(a.logger)}, a.options...)
	return rabbitkit.New(cfg, opts...)
}

// success prints a green confirmation line on stdout.
func (a *App) success(format string, args ...any) {
	a.out.Println(a.out.Green(fmt.Sprintf(format, args...)))
}

// failure prints a red line on stderr.
func (a *App) failure(msg string) {
	a.err.Println(a.err.Red(strings.TrimSuffix(msg, "\n")))
}

// fail prints msg and returns the error exit code.
func (a *App) fail(format string, args ...any) error {
	a.failure(fmt.Sprintf(format, args...))
	return &ExitError{Code: ExitCodeError}
}

// confirm asks question on stdout and reads one line. An empty answer means yes.
func (a *App) confirm(question string) bool {
	a.out.Printf("%s (yes|no) [yes]: ", question)
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.TrimSpace(line)
	return answer == "" || answer == "yes"
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
