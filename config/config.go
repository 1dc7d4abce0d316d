package config

import (
	"os"
	"path/filepath"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

const (
	DefaultUtilityHost     = "127.0.0.1"
	DefaultUtilityPort     = 9922
	DefaultCertificatePath = "/opt/vagrant-vmware-desktop/certificates"
	DefaultNATDevice       = "vmnet8"
)

// Config holds global vmxdriver configuration.
type Config struct {
	// RootDir is the base directory for per-machine private data
	// (machine id, locks, forwarded ports, disk metadata).
	// Env: VMXDRIVER_ROOT_DIR. Default: $HOME/.vmxdriver.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// CloneDir is where imported VMs are placed. Empty means inside the
	// machine's data directory.
	// Env: VMXDRIVER_CLONE_DIRECTORY.
	CloneDir string `json:"clone_directory" mapstructure:"clone_directory"`
	// UtilityHost and UtilityPort address the helper service.
	// Default: 127.0.0.1:9922.
	UtilityHost string `json:"utility_host" mapstructure:"utility_host"`
	UtilityPort int    `json:"utility_port" mapstructure:"utility_port"`
	// UtilityCertificatePath holds the CA and client certificate pair.
	// Default: /opt/vagrant-vmware-desktop/certificates.
	UtilityCertificatePath string `json:"utility_certificate_path" mapstructure:"utility_certificate_path"`
	// LinkedCloneDisabledLicenses lists lowercase license strings whose
	// products cannot create linked clones. Default: ["player"].
	LinkedCloneDisabledLicenses []string `json:"linked_clone_disabled_licenses" mapstructure:"linked_clone_disabled_licenses"`
	// StartTimeoutSeconds bounds a single vmrun start attempt. Default: 45.
	StartTimeoutSeconds int `json:"start_timeout_seconds" mapstructure:"start_timeout_seconds"`
	// StopTimeoutSeconds bounds the soft stop before escalating to hard. Default: 15.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// NetworkLockAttempts bounds retries on the vmware-network lock. Default: 60.
	NetworkLockAttempts int `json:"network_lock_attempts" mapstructure:"network_lock_attempts"`
	// CheckpointTimeoutSeconds bounds the wait on the background advisory
	// check. Default: 10.
	CheckpointTimeoutSeconds int `json:"checkpoint_timeout_seconds" mapstructure:"checkpoint_timeout_seconds"`
	// CheckpointURL is queried by the background advisory check. Empty disables it.
	CheckpointURL string `json:"checkpoint_url" mapstructure:"checkpoint_url"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	root := "/var/lib/vmxdriver"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".vmxdriver")
	}
	return &Config{
		RootDir:                     root,
		UtilityHost:                 DefaultUtilityHost,
		UtilityPort:                 DefaultUtilityPort,
		UtilityCertificatePath:      DefaultCertificatePath,
		LinkedCloneDisabledLicenses: []string{"player"},
		StartTimeoutSeconds:         45, //nolint:mnd
		StopTimeoutSeconds:          15, //nolint:mnd
		NetworkLockAttempts:         60, //nolint:mnd
		CheckpointTimeoutSeconds:    10, //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func (c *Config) CheckpointTimeout() time.Duration {
	return time.Duration(c.CheckpointTimeoutSeconds) * time.Second
}
