package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/k2io/dynhook/internal/asm"
	"github.com/k2io/dynhook/internal/inline"
	"github.com/k2io/dynhook/internal/symbols"
)

// jump sizes of the two patch forms
const (
	nearJump = 5
	farJump  = 13
)

// NewInspectCmd shows whether a function prologue can be patched.
func NewInspectCmd(opts *globalOptions) *cobra.Command {
	var (
		mode  int
		bytes int
	)

	cmd := &cobra.Command{
		Use:   "inspect FILE SYMBOL|ADDR",
		Short: "Disassemble a function prologue and check it can be relocated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, _, err := opts.logger(cmd)
			if err != nil {
				return err
			}

			addr, err := resolve(args[0], args[1])
			if err != nil {
				return err
			}
			code, err := symbols.ReadCode(args[0], addr, bytes)
			if err != nil {
				return err
			}
			if mode == 0 {
				mode = code.Mode
			}
			if mode != 32 && mode != 64 {
				return fmt.Errorf("%s is not an x86 object file, pass --mode", args[0])
			}
			log.Debug().Str("addr", fmt.Sprintf("%#x", addr)).Int("mode", mode).Int("bytes", len(code.Bytes)).Msg("read code")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s at %#x (%d-bit)\n", args[1], addr, mode)
			fmt.Fprint(out, asm.Listing(code.Bytes, mode, uint64(addr)))

			sizes := []int{nearJump}
			if mode == 64 {
				sizes = append(sizes, farJump)
			}
			for _, size := range sizes {
				p, err := inline.Analyze(code.Bytes, mode, size)
				switch {
				case errors.Is(err, inline.ErrShortFunction):
					fmt.Fprintf(out, "%2d byte jump: function too short\n", size)
				case err != nil:
					fmt.Fprintf(out, "%2d byte jump: %v\n", size, err)
				case !p.Relocatable:
					fmt.Fprintf(out, "%2d byte jump: %d bytes moved, position dependent\n", size, p.Length)
				default:
					fmt.Fprintf(out, "%2d byte jump: %d bytes moved in %d instructions\n", size, p.Length, len(p.Insts))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&mode, "mode", 0, "Decoding mode (32 or 64); default from the file")
	cmd.Flags().IntVar(&bytes, "bytes", 32, "Number of bytes to disassemble")

	return cmd
}

// resolve turns a symbol name or a numeric address into an address.
func resolve(path, target string) (uintptr, error) {
	if v, err := strconv.ParseUint(target, 0, 64); err == nil {
		return uintptr(v), nil
	}
	tab, err := symbols.Read(path)
	if err != nil {
		return 0, err
	}
	return tab.Lookup(target)
}
