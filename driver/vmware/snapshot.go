package vmware

import (
	"context"
	"strings"

	"github.com/cocoonstack/vmxdriver/executor"
)

// SnapshotTake records a named snapshot.
func (d *Driver) SnapshotTake(ctx context.Context, name string) error {
	_, err := d.vmrun(ctx, executor.Options{}, "snapshot", d.vmxPath, name)
	return err
}

// SnapshotDelete removes a named snapshot.
func (d *Driver) SnapshotDelete(ctx context.Context, name string) error {
	_, err := d.vmrun(ctx, executor.Options{}, "deleteSnapshot", d.vmxPath, name)
	return err
}

// SnapshotRevert returns the VM to a named snapshot.
func (d *Driver) SnapshotRevert(ctx context.Context, name string) error {
	_, err := d.vmrun(ctx, executor.Options{}, "revertToSnapshot", d.vmxPath, name)
	return err
}

// SnapshotList returns the snapshot names in listing order.
func (d *Driver) SnapshotList(ctx context.Context) ([]string, error) {
	res, err := d.vmrun(ctx, executor.Options{}, "listSnapshots", d.vmxPath)
	if err != nil {
		return nil, err
	}
	return snapshotLines(res.Stdout), nil
}

// SnapshotTree returns every snapshot as a slash separated path from its root.
func (d *Driver) SnapshotTree(ctx context.Context) ([]string, error) {
	res, err := d.vmrun(ctx, executor.Options{}, "listSnapshots", d.vmxPath, "showTree")
	if err != nil {
		return nil, err
	}
	return parseSnapshotTree(snapshotLines(res.Stdout)), nil
}

func snapshotLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.Contains(line, "Total snapshot") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// parseSnapshotTree turns tab-indented showTree output into paths. A child
// is indented one tab deeper than its parent.
func parseSnapshotTree(lines []string) []string {
	var (
		out   []string
		stack []string
	)
	for _, line := range lines {
		depth := 0
		if line[0] == ' ' || line[0] == '\t' {
			depth = strings.Count(line, "\t")
		}
		name := strings.TrimSpace(line)
		if depth > len(stack) {
			depth = len(stack)
		}
		stack = append(stack[:depth], name)
		out = append(out, strings.Join(stack, "/"))
	}
	return out
}
