package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/justjake/pgactivity/pkg/activity"
	"github.com/justjake/pgactivity/pkg/tag"
)

const defaultWidth = 80

// terminalWidth returns the width of w when it is a terminal, else 80.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultWidth
}

type formatter struct {
	out        io.Writer
	attributes []string
	expanded   bool
	width      int

	line  lipgloss.Style
	bold  lipgloss.Style
	faint lipgloss.Style
}

func newFormatter(out io.Writer, attributes []string, expanded bool) *formatter {
	r := lipgloss.NewRenderer(out)
	width := terminalWidth(out)
	return &formatter{
		out:        out,
		attributes: attributes,
		expanded:   expanded,
		width:      width,
		line:       r.NewStyle().MaxWidth(width),
		bold:       r.NewStyle().Bold(true),
		faint:      r.NewStyle().Faint(true),
	}
}

func (f *formatter) write(records []activity.Record) error {
	for i := range records {
		var err error
		if f.expanded {
			err = f.writeExpanded(&records[i])
		} else {
			err = f.writeLine(&records[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeLine prints the record's attributes joined with " | ", cut to the
// terminal width.
func (f *formatter) writeLine(r *activity.Record) error {
	values := make([]string, len(f.attributes))
	for i, name := range f.attributes {
		values[i] = f.attribute(r, name)
	}
	_, err := fmt.Fprintln(f.out, f.line.Render(strings.Join(values, " | ")))
	return err
}

func (f *formatter) writeExpanded(r *activity.Record) error {
	if _, err := fmt.Fprintln(f.out, f.bold.Render(strings.Repeat("─", f.width))); err != nil {
		return err
	}
	for _, name := range f.attributes {
		if _, err := fmt.Fprintf(f.out, "%s: %s\n", f.bold.Render(name), f.attribute(r, name)); err != nil {
			return err
		}
	}
	return nil
}

func (f *formatter) heading(s string) {
	fmt.Fprintln(f.out, f.faint.Render(s))
}

func (f *formatter) attribute(r *activity.Record, name string) string {
	v, ok := r.Attribute(name)
	if !ok {
		return "?"
	}
	return formatValue(v, f.expanded)
}

// formatValue renders an attribute for display. Durations lose their
// sub-second part. Statements are collapsed onto one line unless
// expanded, in which case they are dedented.
func formatValue(v any, expanded bool) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		if expanded {
			return dedent(v)
		}
		return strings.Join(strings.Fields(v), " ")
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case *int32:
		if v == nil {
			return ""
		}
		return strconv.FormatInt(int64(*v), 10)
	case *time.Duration:
		if v == nil {
			return ""
		}
		return v.Truncate(time.Second).String()
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.Local().Format(time.RFC3339)
	case *tag.Context:
		if v == nil {
			return ""
		}
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// dedent removes the indentation common to every non-blank line and trims
// surrounding blank space.
func dedent(s string) string {
	lines := strings.Split(s, "\n")
	indent := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		n := len(l) - len(strings.TrimLeft(l, " \t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}
	if indent > 0 {
		for i, l := range lines {
			if len(l) >= indent {
				lines[i] = l[indent:]
			} else {
				lines[i] = strings.TrimLeft(l, " \t")
			}
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
