package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/term"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmxdriver/action"
)

var errDestroyDeclined = errors.New("destroy declined")

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Import the box if needed and start the VM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runVerb(cmd, action.BuildUp, nil)
	},
}

var haltCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Stop the VM, gracefully unless --force",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return runVerb(cmd, action.BuildHalt, func(env *action.Env) { env.ForceHalt = force })
		},
	}
	cmd.Flags().BoolP("force", "f", false, "power off without a guest shutdown")
	return cmd
}()

var destroyCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Stop and delete the VM",
		Args:  cobra.NoArgs,
		RunE:  runDestroy,
	}
	cmd.Flags().BoolP("force", "f", false, "destroy without confirmation")
	return cmd
}()

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Save the running VM to disk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runVerb(cmd, action.BuildSuspend, nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Start a suspended VM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runVerb(cmd, action.BuildResume, nil)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Halt and start the VM, applying configuration changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runVerb(cmd, action.BuildReload, nil)
	},
}

func runDestroy(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if !force {
		ok, err := confirm(cmd, "Are you sure you want to destroy the VM? [y/N] ")
		if err != nil {
			return err
		}
		if !ok {
			return errDestroyDeclined
		}
	}
	return runVerb(cmd, action.BuildDestroy, nil)
}

// confirm asks on an interactive terminal. Without one the answer is no and
// --force is required.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	if !term.IsTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("%w: not a terminal, use --force", errDestroyDeclined)
	}
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false, nil //nolint:nilerr // EOF means no
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
