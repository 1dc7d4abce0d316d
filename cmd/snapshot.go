package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmxdriver/action"
)

var snapshotCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage VM snapshots",
	}
	cmd.AddCommand(
		snapshotVerb("save NAME", "Take a named snapshot", action.BuildSnapshotSave),
		snapshotVerb("restore NAME", "Revert to a named snapshot and start the VM", action.BuildSnapshotRestore),
		snapshotVerb("delete NAME", "Delete a named snapshot", action.BuildSnapshotDelete),
		snapshotListCmd,
	)
	return cmd
}()

var snapshotListCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotList,
	}
	cmd.Flags().Bool("tree", false, "show snapshots as paths from their root")
	return cmd
}()

func snapshotVerb(use, short string, builder action.Builder) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, builder, func(env *action.Env) { env.SnapshotName = args[0] })
		},
	}
}

func runSnapshotList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	env, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Checkpoint.Stop()
	state, err := env.State(ctx)
	if err != nil {
		return err
	}
	if !state.Created() {
		return fmt.Errorf("VM is %s", state)
	}
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	tree, _ := cmd.Flags().GetBool("tree")
	list := drv.SnapshotList
	if tree {
		list = drv.SnapshotTree
	}
	names, err := list(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no snapshots")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
