package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/vmxdriver/action"
	"github.com/cocoonstack/vmxdriver/checkpoint"
	"github.com/cocoonstack/vmxdriver/driver/vmware"
	"github.com/cocoonstack/vmxdriver/executor"
	"github.com/cocoonstack/vmxdriver/network"
	"github.com/cocoonstack/vmxdriver/routing"
	"github.com/cocoonstack/vmxdriver/types"
	"github.com/cocoonstack/vmxdriver/utility"
	"github.com/cocoonstack/vmxdriver/utils"
	"github.com/cocoonstack/vmxdriver/version"
)

const utilityProduct = "vagrant-vmware-utility"

// initEnv loads the machine file and resolves the hypervisor host.
func initEnv(ctx context.Context) (*action.Env, error) {
	m, err := types.LoadMachine(machineFile)
	if err != nil {
		return nil, err
	}
	api, err := utility.New(conf.UtilityHost, conf.UtilityPort, conf.UtilityCertificatePath)
	if err != nil {
		return nil, fmt.Errorf("init utility client: %w", err)
	}
	exec := executor.New()
	host, err := vmware.NewHost(ctx, api, exec, vmware.Options{
		ForceLicense:                m.Provider.ForceVMwareLicense,
		NATDevice:                   m.Provider.NATDevice,
		LinkedCloneDisabledLicenses: conf.LinkedCloneDisabledLicenses,
		StartTimeout:                conf.StartTimeout(),
		StopTimeout:                 conf.StopTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("init vmware host: %w", err)
	}

	interruptOnDone(ctx, exec)

	return &action.Env{
		Conf:        conf,
		Machine:     m,
		Host:        host,
		Checkpoint:  startCheckpoint(ctx, host),
		Interrupted: exec.Interrupted,
		LoadRoutes: func(ctx context.Context) (network.Router, error) {
			table, err := routing.Load(ctx, exec)
			if err != nil {
				return nil, err
			}
			return table, nil
		},
	}, nil
}

// startCheckpoint runs the advisory checks in the background. It returns
// nil when no checkpoint URL is configured.
func startCheckpoint(ctx context.Context, host *vmware.Host) *checkpoint.Task {
	if conf.CheckpointURL == "" {
		return nil
	}
	hc := utils.NewHTTPClient()
	return checkpoint.Start(ctx,
		checkpoint.Remote(hc, conf.CheckpointURL, version.NAME, checkpoint.Static(version.VERSION)),
		checkpoint.Remote(hc, conf.CheckpointURL, utilityProduct, func(context.Context) (string, error) {
			return host.UtilityVersion(), nil
		}),
	)
}

// runVerb runs the steps of builder for the machine. setup may adjust the
// environment before the pipeline starts.
func runVerb(cmd *cobra.Command, builder action.Builder, setup func(*action.Env)) error {
	ctx := commandContext(cmd)
	env, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Checkpoint.Stop()
	if setup != nil {
		setup(env)
	}
	return action.Run(ctx, env, builder(action.CapabilitiesFor(conf, env.Machine)))
}
