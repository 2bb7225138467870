package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/k2io/dynhook"
	"github.com/k2io/dynhook/internal/asm"
	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/trampoline"
)

// placeholder addresses for listings
const (
	listOrigin = 0x10000
	listData   = 0x20000
	listPre    = 0x30000
	listPost   = 0x30100
)

// NewBridgeCmd prints the argument layout and the bridge generated for a
// signature.
func NewBridgeCmd(opts *globalOptions) *cobra.Command {
	var (
		abiName string
		conv    string
		ret     string
		params  []string
	)

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Show the argument layout and bridge code for a signature",
		Long: `Show the argument layout and bridge code for a signature.

Parameters are given as TYPE[:SIZE][:ref][@REGISTER], for example
"int@ecx", "object:12" or "float:ref". Types are int, bool, float,
pointer and object.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			if abiName == "" {
				abiName = cfg.ABI
			}
			abi, err := convention.ParseABI(abiName)
			if err != nil {
				return err
			}
			kind, err := convention.ParseKind(conv)
			if err != nil {
				return err
			}
			rt, err := parseReturn(ret)
			if err != nil {
				return err
			}
			ps := make([]convention.Param, 0, len(params))
			for _, s := range params {
				p, err := parseParam(s)
				if err != nil {
					return err
				}
				ps = append(ps, p)
			}
			a, err := convention.New(abi, kind, ps, rt)
			if err != nil {
				return err
			}
			return writeBridge(cmd, a)
		},
	}

	cmd.Flags().StringVar(&abiName, "abi", "", "ABI (x86, sysv, win64); default from config")
	cmd.Flags().StringVar(&conv, "conv", "cdecl", "Calling convention (cdecl, stdcall, thiscall, fastcall)")
	cmd.Flags().StringVar(&ret, "ret", "void", "Return type as TYPE[:SIZE]")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter, repeatable")

	return cmd
}

func writeBridge(cmd *cobra.Command, a *convention.Adapter) error {
	regs, err := convention.NewRegisters(a.ABI(), a.SavedRegisters())
	if err != nil {
		return err
	}
	gen, err := trampoline.ForABI(a.ABI())
	if err != nil {
		return err
	}
	code, err := gen.Emit(trampoline.Spec{
		HookID:    1,
		SaveArea:  listData,
		Slots:     regs.Slots(),
		Cell:      listData + uint64(regs.Size()),
		PreEntry:  listPre,
		PostEntry: listPost,
		SkipCode:  int8(dynhook.Supersede),
		PopSize:   a.PopSize(),
		Class:     a.ReturnClass(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "abi %s, %s, returns %s (%s), pops %d bytes\n",
		a.ABI(), a.Kind(), a.Return().Type, a.ReturnClass(), a.PopSize())
	for i, s := range a.Layout().Args {
		p, _ := a.Param(i)
		fmt.Fprintf(out, "  arg %d %-7s %s\n", i, p.Type, describeSlot(s))
	}
	fmt.Fprintf(out, "pre stub:\n%s", asm.Listing(code.Bytes[:code.PostOffset], gen.Mode(), listOrigin))
	fmt.Fprintf(out, "post stub:\n%s", asm.Listing(code.Bytes[code.PostOffset:], gen.Mode(), listOrigin+uint64(code.PostOffset)))
	return nil
}

func describeSlot(s convention.ArgSlot) string {
	if s.Register != convention.None {
		return s.Register.String()
	}
	return fmt.Sprintf("stack+%d", s.Stack)
}

func parseReturn(s string) (convention.Return, error) {
	name, size, _ := strings.Cut(s, ":")
	t, err := convention.ParseDataType(name)
	if err != nil {
		return convention.Return{}, err
	}
	r := convention.Return{Type: t}
	if size != "" {
		if r.Size, err = strconv.Atoi(size); err != nil {
			return r, fmt.Errorf("return size %q: %w", size, err)
		}
	}
	return r, nil
}

func parseParam(s string) (convention.Param, error) {
	var p convention.Param
	spec, reg, pinned := strings.Cut(s, "@")
	parts := strings.Split(spec, ":")
	t, err := convention.ParseDataType(parts[0])
	if err != nil {
		return p, err
	}
	p.Type = t
	for _, part := range parts[1:] {
		if part == "ref" {
			p.Pass = convention.ByRef
			continue
		}
		if p.Size, err = strconv.Atoi(part); err != nil {
			return p, fmt.Errorf("parameter %q: bad size %q", s, part)
		}
	}
	if pinned {
		if p.Register, err = convention.ParseRegister(strings.ToLower(reg)); err != nil {
			return p, err
		}
	}
	return p, nil
}
