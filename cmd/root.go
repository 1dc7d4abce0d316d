package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cocoonstack/vmxdriver/config"
)

const defaultMachineFile = "vmxdriver.yaml"

var (
	cfgFile     string
	machineFile string
	conf        *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vmxdriver",
		Short:         "vmxdriver - VMware desktop VM driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVarP(&machineFile, "machine", "m", defaultMachineFile, "machine file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("clone-dir", "", "directory for imported VMs")
	cmd.PersistentFlags().String("checkpoint-url", "", "advisory check endpoint, empty disables")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("clone_directory", cmd.PersistentFlags().Lookup("clone-dir"))
	_ = viper.BindPFlag("checkpoint_url", cmd.PersistentFlags().Lookup("checkpoint-url"))

	viper.SetEnvPrefix("VMXDRIVER")
	viper.AutomaticEnv()

	cmd.AddCommand(
		upCmd,
		haltCmd,
		destroyCmd,
		suspendCmd,
		resumeCmd,
		reloadCmd,
		statusCmd,
		ipCmd,
		packageCmd,
		snapshotCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	// Unset bound flags would otherwise unmarshal their "" over these.
	viper.SetDefault("root_dir", conf.RootDir)
	viper.SetDefault("clone_directory", conf.CloneDir)
	viper.SetDefault("checkpoint_url", conf.CheckpointURL)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.RootDir == "" {
		conf.RootDir = config.DefaultConfig().RootDir
	}
	if conf.NetworkLockAttempts <= 0 {
		conf.NetworkLockAttempts = 60 //nolint:mnd
	}
	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 15 //nolint:mnd
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
