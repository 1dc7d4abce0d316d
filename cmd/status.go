package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmxdriver/driver"
	"github.com/cocoonstack/vmxdriver/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the VM state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Show the guest IP address",
	Args:  cobra.NoArgs,
	RunE:  runIP,
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tVMX")
	vmxPath := ""
	if state.Created() {
		drv, _ := env.Driver()
		vmxPath = drv.VMXPath()
	}
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", env.Machine.Name, state, vmxPath)
	return w.Flush()
}

func runIP(cmd *cobra.Command, _ []string) error {
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
	if state != types.StateRunning {
		return fmt.Errorf("VM is %s", state)
	}
	drv, err := env.Driver()
	if err != nil {
		return err
	}
	ip, err := drv.ReadIP(ctx, env.Machine.Provider.VmrunIPLookup())
	if err != nil {
		return err
	}
	if ip == "" {
		return driver.ErrNoGuestIP
	}
	fmt.Println(ip)
	return nil
}
