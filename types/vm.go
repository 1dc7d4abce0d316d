package types

// VMState is derived from the filesystem and the hypervisor on every query.
type VMState string

const (
	StateNotCreated VMState = "not_created" // no VM directory or VMX file
	StateNotRunning VMState = "not_running" // VMX exists, not in the running list
	StateRunning    VMState = "running"     // listed by the hypervisor
	StateSuspended  VMState = "suspended"   // a .vmss suspend file exists
)

// Created reports whether the VM exists on disk.
func (s VMState) Created() bool { return s != StateNotCreated && s != "" }

// StopMode selects how the hypervisor powers a VM off.
type StopMode string

const (
	StopSoft StopMode = "soft"
	StopHard StopMode = "hard"
)
