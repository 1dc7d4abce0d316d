package types

// DiskType is the kind of declared storage device.
type DiskType string

const (
	DiskTypeDisk   DiskType = "disk"
	DiskTypeDVD    DiskType = "dvd"
	DiskTypeFloppy DiskType = "floppy"
)

// DiskConfig is one declared disk.
type DiskConfig struct {
	ID      string   `yaml:"id,omitempty" json:"id,omitempty"`
	Name    string   `yaml:"name" json:"name"`
	Type    DiskType `yaml:"type,omitempty" json:"type,omitempty"`
	Primary bool     `yaml:"primary,omitempty" json:"primary,omitempty"`
	// Size is human readable ("20G"); SizeBytes is filled in on load.
	Size      string `yaml:"size,omitempty" json:"size,omitempty"`
	SizeBytes int64  `yaml:"-" json:"size_bytes,omitempty"`
	File      string `yaml:"file,omitempty" json:"file,omitempty"`
	Ext       string `yaml:"ext,omitempty" json:"ext,omitempty"`

	Bus        string `yaml:"bus_type,omitempty" json:"bus_type,omitempty"`
	Adapter    string `yaml:"adapter_type,omitempty" json:"adapter_type,omitempty"`
	DeviceType string `yaml:"device_type,omitempty" json:"device_type,omitempty"`
}

// DiskEntry records a configured disk for later cleanup.
type DiskEntry struct {
	UUID    string `json:"UUID"`
	Name    string `json:"Name"`
	Path    string `json:"Path"`
	Primary bool   `json:"primary"`
}

// DiskMeta is the set of disks produced by the last reconciliation.
type DiskMeta struct {
	Disk []DiskEntry `json:"disk"`
	DVD  []DiskEntry `json:"dvd"`
}

// Empty reports whether nothing was recorded.
func (m DiskMeta) Empty() bool { return len(m.Disk) == 0 && len(m.DVD) == 0 }

// AttachedDisks maps a bus address ("scsi0:0") to its VMX attributes.
type AttachedDisks map[string]map[string]string
