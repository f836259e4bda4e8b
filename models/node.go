package models

import (
	"sort"
	"strings"
)

// AdminTag is the NIC role tag that designates a node's management interface.
const AdminTag = "admin"

// NodeRecord is the canonical description of one simulated compute node.
// The JSON keys follow the sysinfo vocabulary reported by a real compute node,
// so the record can be handed verbatim to anything that consumes sysinfo.
//
// Example JSON representation:
//
//	{
//	  "UUID": "564d9a47-0b5c-4fd4-9c5e-0a9c3a0f1e2d",
//	  "Hostname": "06-de-ad-00-07-00",
//	  "Boot Time": "1700000000",
//	  "System Type": "SunOS",
//	  "SDC Version": "7.0",
//	  "Live Image": "20231101T000000Z",
//	  "Datacenter Name": "us-east-1",
//	  "MiB of Memory": 262144,
//	  "Network Interfaces": {
//	    "net0": {"MAC Address": "06:de:ad:00:07:00", "NIC Names": ["admin"]}
//	  }
//	}
//
// A record is filled in once by the provisioning pipeline and is never updated
// afterwards.
type NodeRecord struct {
	// UUID is the node identity (required)
	UUID string `json:"UUID"`

	// Hostname defaults to the admin MAC with colons replaced by hyphens
	Hostname string `json:"Hostname,omitempty"`

	// BootTime is the boot timestamp in epoch seconds, stored as a string
	BootTime string `json:"Boot Time,omitempty"`

	// SystemType is always "SunOS" for simulated nodes
	SystemType string `json:"System Type,omitempty"`

	// SDCVersion is the platform version string (e.g. 7.0)
	SDCVersion string `json:"SDC Version,omitempty"`

	// LiveImage is the platform build stamp (e.g. 20231101T000000Z)
	LiveImage string `json:"Live Image,omitempty"`

	// DatacenterName is the datacenter the node reports itself in
	DatacenterName string `json:"Datacenter Name,omitempty"`

	Manufacturer      string `json:"Manufacturer,omitempty"`
	Product           string `json:"Product,omitempty"`
	SerialNumber      string `json:"Serial Number,omitempty"`
	CPUType           string `json:"CPU Type,omitempty"`
	CPUVirtualization string `json:"CPU Virtualization,omitempty"`
	CPUPhysicalCores  int    `json:"CPU Physical Cores,omitempty"`
	CPUTotalCores     int    `json:"CPU Total Cores,omitempty"`
	MiBOfMemory       int    `json:"MiB of Memory,omitempty"`

	// Disks is keyed by device name (e.g. c0t0d0)
	Disks map[string]*Disk `json:"Disks,omitempty"`

	// NetworkInterfaces is keyed by interface name (e.g. net0)
	NetworkInterfaces map[string]*NicRecord `json:"Network Interfaces,omitempty"`

	// BootParameters is the flat key/value map served by the boot server
	BootParameters map[string]string `json:"Boot Parameters,omitempty"`

	// HardwareProfile names the catalog profile the hardware fields came from
	HardwareProfile string `json:"Hardware Profile,omitempty"`

	// Index is the identity index allocated from the ledger
	Index *int `json:"Mock Index,omitempty"`
}

// Disk describes one disk of a simulated node.
type Disk struct {
	SizeGB     int    `json:"Size in GB,omitempty" yaml:"size_gb"`
	VendorID   string `json:"Vendor ID,omitempty" yaml:"vendor_id"`
	ProductID  string `json:"Product ID,omitempty" yaml:"product_id"`
	SolidState bool   `json:"Solid State,omitempty" yaml:"solid_state"`
	Removable  bool   `json:"Removable,omitempty" yaml:"removable"`
}

// NicRecord describes one network interface of a simulated node.
type NicRecord struct {
	// MACAddress is derived from the ledger index, never user supplied
	MACAddress string `json:"MAC Address,omitempty" yaml:"-"`

	// IP4Addr is assigned by the address-assignment collaborator
	IP4Addr string `json:"ip4addr,omitempty" yaml:"-"`

	// NICNames holds role tags such as "admin"
	NICNames []string `json:"NIC Names,omitempty" yaml:"nic_names"`

	LinkStatus string `json:"Link Status,omitempty" yaml:"link_status"`
}

// HasTag reports whether the NIC carries the given role tag.
func (n *NicRecord) HasTag(tag string) bool {
	for _, t := range n.NICNames {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// NICNames returns the record's interface names in the order used for MAC
// ordinal assignment.
func (r *NodeRecord) NICNames() []string {
	names := make([]string, 0, len(r.NetworkInterfaces))
	for name := range r.NetworkInterfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiskNames returns disk names in sorted order.
func (r *NodeRecord) DiskNames() []string {
	names := make([]string, 0, len(r.Disks))
	for name := range r.Disks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdminNIC returns the name and record of the admin interface: the first NIC
// tagged admin, otherwise the first NIC. ok is false when the node has no NICs.
func (r *NodeRecord) AdminNIC() (name string, nic *NicRecord, ok bool) {
	names := r.NICNames()
	if len(names) == 0 {
		return "", nil, false
	}
	for _, n := range names {
		if r.NetworkInterfaces[n].HasTag(AdminTag) {
			return n, r.NetworkInterfaces[n], true
		}
	}
	return names[0], r.NetworkInterfaces[names[0]], true
}

// Clone returns a deep copy of the record.
func (r *NodeRecord) Clone() *NodeRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Index != nil {
		idx := *r.Index
		out.Index = &idx
	}
	if r.Disks != nil {
		out.Disks = make(map[string]*Disk, len(r.Disks))
		for k, d := range r.Disks {
			dc := *d
			out.Disks[k] = &dc
		}
	}
	if r.NetworkInterfaces != nil {
		out.NetworkInterfaces = make(map[string]*NicRecord, len(r.NetworkInterfaces))
		for k, n := range r.NetworkInterfaces {
			nc := *n
			nc.NICNames = append([]string(nil), n.NICNames...)
			out.NetworkInterfaces[k] = &nc
		}
	}
	if r.BootParameters != nil {
		out.BootParameters = make(map[string]string, len(r.BootParameters))
		for k, v := range r.BootParameters {
			out.BootParameters[k] = v
		}
	}
	return &out
}

// DiskDescriptor is one entry of a node's disk descriptor file.
type DiskDescriptor struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	VendorID   string `json:"vendorId"`
	ProductID  string `json:"productId"`
	SizeBytes  int64  `json:"sizeBytes"`
	Removable  bool   `json:"removable"`
	SolidState bool   `json:"solidState"`
}

// DiskDescriptors renders the record's disks as an ordered descriptor list.
func (r *NodeRecord) DiskDescriptors() []DiskDescriptor {
	out := make([]DiskDescriptor, 0, len(r.Disks))
	for _, name := range r.DiskNames() {
		d := r.Disks[name]
		out = append(out, DiskDescriptor{
			Type:       "SCSI",
			Name:       name,
			VendorID:   d.VendorID,
			ProductID:  d.ProductID,
			SizeBytes:  int64(d.SizeGB) * 1000 * 1000 * 1000,
			Removable:  d.Removable,
			SolidState: d.SolidState,
		})
	}
	return out
}
