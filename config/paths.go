package config

import (
	"path/filepath"

	"github.com/cocoonstack/vmxdriver/utils"
)

// EnsureMachineDirs creates the private data directory for a machine.
func (c *Config) EnsureMachineDirs(name string) error {
	return utils.EnsureDirs(c.MachineDir(name))
}

// Derived path helpers. All machine private data lives under {RootDir}/machines/{name}/.

func (c *Config) machinesDir() string              { return filepath.Join(c.RootDir, "machines") }
func (c *Config) MachineDir(name string) string    { return filepath.Join(c.machinesDir(), name) }
func (c *Config) MachineIDFile(name string) string { return filepath.Join(c.MachineDir(name), "id") }
func (c *Config) MachineLock(name string) string   { return filepath.Join(c.MachineDir(name), "lock") }
func (c *Config) ForwardedPorts(name string) string {
	return filepath.Join(c.MachineDir(name), "forwarded_ports")
}
func (c *Config) DiskMetaFile(name string) string {
	return filepath.Join(c.MachineDir(name), "disk_meta")
}

// NetworkLock is shared by every machine; vmnet and port forward changes
// are serialized across them.
func (c *Config) NetworkLock() string { return filepath.Join(c.RootDir, "vmware-network.lock") }

// CloneTarget returns the parent directory for imported VM folders.
func (c *Config) CloneTarget(name string) string {
	if c.CloneDir != "" {
		return c.CloneDir
	}
	return c.MachineDir(name)
}
