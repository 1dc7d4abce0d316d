package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cocoonstack/vmxdriver/types"
)

// LoadMeta reads the metadata saved by the last Configure. A missing file
// yields empty metadata.
func LoadMeta(path string) (types.DiskMeta, error) {
	var meta types.DiskMeta
	data, err := os.ReadFile(path) //nolint:gosec // machine data dir
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return meta, fmt.Errorf("read disk meta %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode disk meta %s: %w", path, err)
	}
	return meta, nil
}

// SaveMeta records meta for the next Cleanup.
func SaveMeta(path string, meta types.DiskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode disk meta: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil { //nolint:mnd
		return fmt.Errorf("write disk meta %s: %w", path, err)
	}
	return nil
}
