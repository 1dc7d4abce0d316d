package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmxdriver/action"
)

var packageCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Halt the VM and export it as a box directory",
		Args:  cobra.NoArgs,
		RunE:  runPackage,
	}
	cmd.Flags().StringP("output", "o", "package", "box output directory")
	return cmd
}()

func runPackage(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("output")
	dir, err := filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("resolve output: %w", err)
	}
	if err := runVerb(cmd, action.BuildPackage, func(env *action.Env) { env.ExportDir = dir }); err != nil {
		return err
	}
	fmt.Printf("box written to %s\n", dir)
	return nil
}
