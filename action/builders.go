package action

import (
	"context"
	"slices"

	"github.com/cocoonstack/vmxdriver/types"
)

// Builder returns the ordered steps of one verb.
type Builder func(Capabilities) []Step

var (
	isRunning   = is(types.StateRunning)
	isSuspended = is(types.StateSuspended)
)

// BuildUp imports the box when needed, then starts the VM.
func BuildUp(c Capabilities) []Step {
	return slices.Concat(
		[]Step{
			CheckVMware,
			IfCreated(nil, []Step{Import, SetDisplayName}),
		},
		startSteps(c),
		[]Step{Checkpoint},
	)
}

// BuildStart boots an existing VM from whatever state it is in.
func BuildStart(c Capabilities) []Step {
	return slices.Concat([]Step{CheckVMware}, startSteps(c), []Step{Checkpoint})
}

// BuildHalt stops the VM, gracefully unless ForceHalt is set.
func BuildHalt(Capabilities) []Step {
	return slices.Concat([]Step{CheckVMware}, haltSteps(), []Step{Checkpoint})
}

// BuildDestroy halts the VM hard and deletes it.
func BuildDestroy(Capabilities) []Step {
	return slices.Concat(
		[]Step{IfCreated(destroySteps(), []Step{MessageNotCreated})},
		[]Step{Checkpoint},
	)
}

// BuildPackage halts the VM and exports it into ExportDir.
func BuildPackage(Capabilities) []Step {
	return []Step{
		IfCreated(slices.Concat(haltSteps(), []Step{PruneForwardedPorts, Export}), []Step{MessageNotCreated}),
		Checkpoint,
	}
}

// BuildReload halts and starts the VM, applying configuration changes.
func BuildReload(c Capabilities) []Step {
	return []Step{
		CheckVMware,
		IfCreated(slices.Concat(haltSteps(), startSteps(c)), []Step{MessageNotCreated}),
		Checkpoint,
	}
}

// BuildResume starts a suspended VM.
func BuildResume(c Capabilities) []Step {
	return []Step{
		CheckVMware,
		IfCreated(startSteps(c), []Step{MessageNotCreated}),
		Checkpoint,
	}
}

// BuildSuspend saves a running VM to disk.
func BuildSuspend(Capabilities) []Step {
	return []Step{CheckVMware, IfCreated([]Step{Suspend}, []Step{MessageNotCreated}), Checkpoint}
}

// BuildSnapshotSave takes the snapshot named SnapshotName.
func BuildSnapshotSave(Capabilities) []Step {
	return []Step{CheckVMware, IfCreated([]Step{SnapshotSave}, []Step{MessageNotCreated}), Checkpoint}
}

// BuildSnapshotRestore reverts to SnapshotName and starts the VM.
func BuildSnapshotRestore(c Capabilities) []Step {
	return []Step{
		CheckVMware,
		IfCreated(slices.Concat([]Step{SnapshotRestore}, startSteps(c)), []Step{MessageNotCreated}),
		Checkpoint,
	}
}

// BuildSnapshotDelete deletes the snapshot named SnapshotName.
func BuildSnapshotDelete(Capabilities) []Step {
	return []Step{CheckVMware, IfCreated([]Step{SnapshotDelete}, []Step{MessageNotCreated}), Checkpoint}
}

func startSteps(c Capabilities) []Step {
	var prepare []Step
	if c.VerifyVmnet {
		prepare = append(prepare, CheckExistingNetwork)
	}
	prepare = append(prepare, PruneForwardedPorts)

	// Folders and networks of a suspended VM are restored with it.
	var configure []Step
	if c.SharedFolders {
		configure = append(configure, ClearSharedFolders, ShareFolders)
	}
	configure = append(configure, Network, BaseMacToIP)
	prepare = append(prepare, IfState(isSuspended, nil, configure))

	if c.Disks {
		prepare = append(prepare, CleanupDisks, Disks)
	}
	prepare = append(prepare, VMXModify, Boot, WaitForAddress, ForwardPorts)

	return []Step{IfState(isRunning, []Step{MessageAlreadyRunning}, prepare)}
}

func haltSteps() []Step {
	return []Step{
		IfCreated([]Step{
			DiscardSuspendedState,
			IfState(isRunning, []Step{GracefulHalt, WaitForVMXHalt}, nil),
		}, []Step{MessageNotCreated}),
	}
}

func destroySteps() []Step {
	return slices.Concat([]Step{forceHalt}, haltSteps(), []Step{Destroy, PruneForwardedPorts})
}

func forceHalt(ctx context.Context, env *Env, next Next) error {
	env.ForceHalt = true
	return next(ctx)
}
