// Package syscalls implements 'syscat syscalls', which lists the syscalls
// syscat knows how to decode.
package syscalls

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/syscat/internal/abi"
	"github.com/coral-mesh/syscat/internal/cli/helpers"
	"github.com/coral-mesh/syscat/internal/schema"
)

// Row is one listed syscall.
type Row struct {
	Number    uint64 `header:"NR" json:"number" yaml:"number"`
	Name      string `header:"NAME" json:"name" yaml:"name"`
	Arguments string `header:"ARGUMENTS" json:"arguments" yaml:"arguments"`
	Return    string `header:"RETURN" json:"return" yaml:"return"`
}

// Rows describes the syscall table of arch.
func Rows(arch abi.Arch) ([]Row, error) {
	table, err := schema.LinuxTable(arch)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, e := range table.Entries() {
		args := make([]string, len(e.Syscall.Arguments))
		for i, a := range e.Syscall.Arguments {
			args[i] = fmt.Sprintf("%s %s", a.Type, a.Name)
		}
		rows = append(rows, Row{
			Number:    e.Number,
			Name:      e.Syscall.Name,
			Arguments: strings.Join(args, ", "),
			Return:    e.Syscall.Return.String(),
		})
	}
	return rows, nil
}

// NewSyscallsCmd creates the syscalls command.
func NewSyscallsCmd() *cobra.Command {
	var (
		arch   string
		format string
	)
	formats := []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatCSV, helpers.FormatYAML}

	cmd := &cobra.Command{
		Use:   "syscalls",
		Short: "List the decoded syscalls",
		Long: `List the syscalls with a typed schema for an architecture. Other syscall
numbers are decoded as six raw arguments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			a, err := abi.ParseArch(arch)
			if err != nil {
				return err
			}
			rows, err := Rows(a)
			if err != nil {
				return err
			}
			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(rows, cmd.OutOrStdout())
		},
	}

	archs := make([]string, 0, len(abi.Supported()))
	for _, a := range abi.Supported() {
		archs = append(archs, string(a))
	}
	cmd.Flags().StringVar(&arch, "arch", string(abi.ArchX64),
		fmt.Sprintf("Architecture (%s)", strings.Join(archs, ", ")))
	_ = cmd.RegisterFlagCompletionFunc("arch", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return archs, cobra.ShellCompDirectiveNoFileComp
	})
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, formats)
	return cmd
}
