package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/justjake/pgactivity/pkg/pgwire"
	"github.com/justjake/pgactivity/pkg/tag"
)

//go:generate go run ../doc -readme README.md -config-pkg ../../pkg/config

//go:embed README.md
var readmeMarkdown string

var (
	// errUsage marks errors caused by how the command was invoked.
	errUsage = errors.New("usage")
	// errDeclined is returned after the user declined a prompt, or there
	// was nothing to act on. The message has already been printed.
	errDeclined = errors.New("declined")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	err := newRootCommand(a).ExecuteContext(ctx)
	a.close(context.WithoutCancel(ctx))
	stop()

	if err != nil && !errors.Is(err, errDeclined) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, pgwire.ErrInvalidArgument):
		return 2
	}
	return 1
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pgactivity",
		Short: "Show and manage PostgreSQL activity",
		Long: strings.TrimSpace(`
pgactivity lists what a PostgreSQL database is doing right now, including the
context comments applications attach to their statements, and cancels or
terminates the backends you pick.`),
		Example: `  # Longest running statements first
  pgactivity ls

  # Statements issued for one tenant, in full
  pgactivity ls -f context.tenant=acme -e

  # Cancel everything running longer than a minute
  pgactivity cancel -f 'duration__gt=1 minute'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			applyEnv(cmd.Flags())
			if err := a.setup(); err != nil {
				return err
			}
			ctx, release := tag.Command(cmd.Context(), cmd.Name(), "docs", "help")
			a.releaseTag = release
			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			printBanner(cmd.OutOrStdout())
			return cmd.Help()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	f := cmd.PersistentFlags()
	f.StringVar(&a.opts.configPath, "config", "", "path to a pgactivity.json config file (env PGACTIVITY_CONFIG)")
	f.StringVarP(&a.opts.database, "database", "d", "", "database alias from the config file")
	f.StringVar(&a.opts.databaseURL, "database-url", "", "connection string; overrides the selected database (env PGACTIVITY_DATABASE_URL)")
	f.StringVar(&a.opts.statementTimeout, "statement-timeout", "", "statement_timeout for pgactivity's own queries, e.g. 5s")
	f.BoolVar(&a.opts.jsonLogs, "json-logs", false, "write logs as JSON")
	f.StringVar(&a.opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newListCommand(a),
		newSignalCommand(a, signalCancel),
		newSignalCommand(a, signalTerminate),
		newPidCommand(a),
		newDocsCommand(a),
	)
	return cmd
}

// applyEnv fills every flag the user did not set from a PGACTIVITY_
// environment variable of the same name, dashes replaced with underscores.
func applyEnv(fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("PGACTIVITY")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return
	}
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if val := fmt.Sprintf("%v", v.Get(f.Name)); val != "" {
			_ = f.Value.Set(val)
		}
	})
}

func printBanner(w io.Writer) {
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	r := lipgloss.NewRenderer(w)
	const title = "p g a c t i v i t y"
	var b strings.Builder
	for i, ch := range title {
		c := teal.BlendLuv(purple, float64(i)/float64(len(title)-1))
		b.WriteString(r.NewStyle().
			Foreground(lipgloss.Color(c.Hex())).
			Background(bgColor).
			Bold(true).
			Render(string(ch)))
	}

	box := r.NewStyle().
		Background(bgColor).
		Padding(1, 3).
		Render(b.String())
	fmt.Fprintln(w, box)
	fmt.Fprintln(w)
}

func newDocsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "Show the full documentation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			renderer, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(terminalWidth(out)),
			)
			if err != nil {
				a.logger.Debug("markdown renderer unavailable", "error", err)
				_, err = fmt.Fprintln(out, readmeMarkdown)
				return err
			}
			rendered, err := renderer.Render(readmeMarkdown)
			if err != nil {
				_, err = fmt.Fprintln(out, readmeMarkdown)
				return err
			}
			_, err = fmt.Fprint(out, rendered)
			return err
		},
	}
}
