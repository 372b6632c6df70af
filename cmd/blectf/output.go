package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"unicode"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"golang.org/x/term"
)

// printer writes command output, coloring it only when the destination is a terminal.
type printer struct {
	w     io.Writer
	label *color.Color
	ok    *color.Color
	fail  *color.Color
	value *color.Color
	dim   *color.Color
}

func newPrinter(cmd *cobra.Command) *printer {
	return printerFor(cmd, cmd.OutOrStdout())
}

func printerFor(cmd *cobra.Command, w io.Writer) *printer {
	noColor, _ := cmd.Flags().GetBool("no-color")
	enabled := !noColor && isTerminal(w)

	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return &printer{
		w:     w,
		label: mk(color.Bold),
		ok:    mk(color.FgGreen),
		fail:  mk(color.FgRed),
		value: mk(color.FgCyan),
		dim:   mk(color.Faint),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// JSON writes v as indented JSON.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Field prints an aligned "label: value" line.
func (p *printer) Field(label, value string) {
	fmt.Fprintf(p.w, "%s %s\n", p.label.Sprintf("%-14s", label+":"), value)
}

// Services prints a service tree in discovery order.
func (p *printer) Services(services []device.ServiceDescriptor) error {
	if len(services) == 0 {
		fmt.Fprintln(p.w, "No services discovered")
		return nil
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, svc := range services {
		fmt.Fprintf(tw, "%s\t%s\t\n", p.label.Sprint(svc.UUID), p.dim.Sprint(attributeName(svc.UUID, bledb.LookupService)))
		for _, c := range svc.Characteristics {
			props := c.Properties.String()
			if c.HasCCCD {
				props += ",cccd"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", c.UUID, p.dim.Sprint(attributeName(c.UUID, bledb.LookupCharacteristic)), props)
		}
	}
	return tw.Flush()
}

// attributeName prefers the CTF symbolic name, then the SIG name.
func attributeName(uuid string, sig func(string) string) string {
	if n, ok := bledb.LookupName(uuid); ok {
		return string(n)
	}
	return sig(uuid)
}

// formatValue renders printable UTF-8 as a quoted string and anything else as hex.
func formatValue(b []byte, forceHex bool) string {
	if b == nil {
		return "-"
	}
	if forceHex || !printable(b) {
		return strings.ToUpper(hex.EncodeToString(b))
	}
	return fmt.Sprintf("%q", string(b))
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// parsePayload decodes a write payload given as text or, with isHex, as hex digits.
func parsePayload(s string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(s), nil
	}
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(strings.TrimPrefix(strings.ToLower(s), "0x"))
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return b, nil
}
