package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/k2io/dynhook/internal/symbols"
)

// NewSymbolsCmd lists or resolves the symbols of an object file.
func NewSymbolsCmd() *cobra.Command {
	var (
		prefix string
		format string
	)

	cmd := &cobra.Command{
		Use:   "symbols FILE [NAME...]",
		Short: "List or resolve the symbols of an ELF, Mach-O or PE file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tab, err := symbols.Read(args[0])
			if err != nil {
				return err
			}

			syms := make(map[string]uintptr)
			if len(args) > 1 {
				for _, name := range args[1:] {
					v, err := tab.Lookup(name)
					if err != nil {
						return err
					}
					syms[name] = v
				}
			} else {
				for name, v := range tab.Syms {
					if strings.HasPrefix(name, prefix) {
						syms[name] = v
					}
				}
			}
			return writeSymbols(cmd, syms, format)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list symbols with this prefix")
	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json)")

	return cmd
}

func writeSymbols(cmd *cobra.Command, syms map[string]uintptr, format string) error {
	names := make([]string, 0, len(syms))
	for n := range syms {
		names = append(names, n)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		type entry struct {
			Name string `json:"name"`
			Addr string `json:"addr"`
		}
		list := make([]entry, 0, len(names))
		for _, n := range names {
			list = append(list, entry{Name: n, Addr: fmt.Sprintf("%#x", syms[n])})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "text":
		for _, n := range names {
			fmt.Fprintf(out, "%#016x %s\n", syms[n], n)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
}
