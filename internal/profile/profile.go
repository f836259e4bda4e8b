// Package profile provides the hardware profile catalog: named sets of canned
// hardware attributes used to complete node payloads that omit them.
package profile

import (
	_ "embed"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"evalgo.org/mockcloud/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Profile is one named hardware template.
type Profile struct {
	Name              string                       `yaml:"name"`
	Manufacturer      string                       `yaml:"manufacturer"`
	Product           string                       `yaml:"product"`
	SerialNumber      string                       `yaml:"serial_number"`
	CPUType           string                       `yaml:"cpu_type"`
	CPUVirtualization string                       `yaml:"cpu_virtualization"`
	CPUPhysicalCores  int                          `yaml:"cpu_physical_cores"`
	CPUTotalCores     int                          `yaml:"cpu_total_cores"`
	MiBOfMemory       int                          `yaml:"mib_of_memory"`
	Disks             map[string]*models.Disk      `yaml:"disks"`
	NetworkInterfaces map[string]*models.NicRecord `yaml:"network_interfaces"`
}

type catalogFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// Catalog is a read-only set of profiles, loaded once.
type Catalog struct {
	profiles map[string]*Profile
	names    []string
}

// Load reads a catalog from path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profile catalog: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("profile catalog is empty")
	}

	c := &Catalog{profiles: make(map[string]*Profile, len(file.Profiles))}
	for _, p := range file.Profiles {
		if p == nil || p.Name == "" {
			return nil, fmt.Errorf("profile catalog entry without a name")
		}
		if _, dup := c.profiles[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		for name, d := range p.Disks {
			if d == nil {
				return nil, fmt.Errorf("profile %q: disk %q is empty", p.Name, name)
			}
		}
		c.profiles[p.Name] = p
		c.names = append(c.names, p.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the named profile.
func (c *Catalog) Lookup(name string) (*Profile, bool) {
	p, ok := c.profiles[name]
	return p, ok
}

// Names returns the profile names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Pick returns a uniformly random profile.
func (c *Catalog) Pick(rng *rand.Rand) *Profile {
	return c.profiles[c.names[rng.IntN(len(c.names))]]
}

// Backfill fills vendor and product ids on the given disks from the first
// profile disk of the same class (solid state or rotational) that defines
// them. Ids already present on a disk are kept.
func (p *Profile) Backfill(disks map[string]*models.Disk) {
	for _, d := range disks {
		if d == nil {
			continue
		}
		if d.VendorID == "" {
			d.VendorID = p.firstOfClass(d.SolidState, func(pd *models.Disk) string { return pd.VendorID })
		}
		if d.ProductID == "" {
			d.ProductID = p.firstOfClass(d.SolidState, func(pd *models.Disk) string { return pd.ProductID })
		}
	}
}

func (p *Profile) firstOfClass(solidState bool, field func(*models.Disk) string) string {
	names := make([]string, 0, len(p.Disks))
	for name := range p.Disks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := p.Disks[name]
		if d.SolidState != solidState {
			continue
		}
		if v := field(d); v != "" {
			return v
		}
	}
	return ""
}

// Merge copies every profile field the record leaves undefined. Disk and NIC
// maps are copied whole, and only when the record has none.
func (p *Profile) Merge(rec *models.NodeRecord) {
	if rec.HardwareProfile == "" {
		rec.HardwareProfile = p.Name
	}
	setString(&rec.Manufacturer, p.Manufacturer)
	setString(&rec.Product, p.Product)
	setString(&rec.SerialNumber, p.SerialNumber)
	setString(&rec.CPUType, p.CPUType)
	setString(&rec.CPUVirtualization, p.CPUVirtualization)
	setInt(&rec.CPUPhysicalCores, p.CPUPhysicalCores)
	setInt(&rec.CPUTotalCores, p.CPUTotalCores)
	setInt(&rec.MiBOfMemory, p.MiBOfMemory)

	if len(rec.Disks) == 0 && len(p.Disks) > 0 {
		rec.Disks = make(map[string]*models.Disk, len(p.Disks))
		for name, d := range p.Disks {
			dc := *d
			rec.Disks[name] = &dc
		}
	}
	if len(rec.NetworkInterfaces) == 0 && len(p.NetworkInterfaces) > 0 {
		rec.NetworkInterfaces = make(map[string]*models.NicRecord, len(p.NetworkInterfaces))
		for name, n := range p.NetworkInterfaces {
			nc := models.NicRecord{LinkStatus: "up"}
			if n != nil {
				nc = *n
				nc.NICNames = append([]string(nil), n.NICNames...)
			}
			rec.NetworkInterfaces[name] = &nc
		}
	}
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}
