package main

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/justjake/pgactivity/pkg/activity"
	"github.com/justjake/pgactivity/pkg/config"
)

type signalKind struct {
	name string // subcommand
	verb string // prompt
	past string // report
}

var (
	signalCancel    = signalKind{name: "cancel", verb: "Cancel", past: "Canceled"}
	signalTerminate = signalKind{name: "terminate", verb: "Terminate", past: "Terminated"}
)

func queries(n int) string {
	if n == 1 {
		return "1 query"
	}
	return fmt.Sprintf("%d queries", n)
}

var yes = regexp.MustCompile(`(?i)^(y)(es)?$`)

// confirm reports whether the user agreed to act on n queries. Nothing is
// asked when n is zero or assumeYes is set.
func confirm(in io.Reader, out io.Writer, k signalKind, n int, assumeYes bool) bool {
	if n == 0 {
		fmt.Fprintf(out, "No queries to %s.\n", k.name)
		return false
	}
	if assumeYes {
		return true
	}
	fmt.Fprintf(out, "%s %s? (y/[n]) ", k.verb, queries(n))
	line, _ := bufio.NewReader(in).ReadString('\n')
	if !yes.MatchString(strings.TrimSpace(line)) {
		fmt.Fprintln(out, "Aborting!")
		return false
	}
	return true
}

// signalLimit is the cap on backends a signal command acts on: --limit,
// else the limit the named preset sets itself. The configured ls limit
// does not apply, so a bare filter signals every match.
func (s *selection) signalLimit(cfg *config.Config) int {
	if s.limit > 0 {
		return s.limit
	}
	if p, ok := cfg.Presets[s.preset]; ok && s.preset != "" {
		return p.Limit
	}
	return 0
}

func newSignalCommand(a *app, k signalKind) *cobra.Command {
	var sel selection
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   k.name + " [pids...]",
		Short: k.verb + " the backends running the selected activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 && len(sel.filters) == 0 && sel.preset == "" {
				return usageError("%s needs pids, --filter or --preset", k.name)
			}
			_, opts, err := sel.resolve(ctx, a, args)
			if err != nil {
				return err
			}
			opts.Limit = sel.signalLimit(a.cfg)

			records, err := a.reader.List(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !confirm(cmd.InOrStdin(), out, k, len(records), assumeYes) {
				return errDeclined
			}

			pids := activity.Pids(records)
			var delivered []int32
			if k == signalCancel {
				delivered, err = a.control.Cancel(ctx, pids...)
			} else {
				delivered, err = a.control.Terminate(ctx, pids...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", k.past, queries(len(delivered)))
			return nil
		},
	}
	sel.register(cmd, false)
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not prompt for confirmation")
	return cmd
}

func newPidCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pid",
		Short: "Print the process id of pgactivity's own backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.connect(cmd.Context(), a.opts.database); err != nil {
				return err
			}
			pid, err := a.control.Pid(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pid)
			return err
		},
	}
}
