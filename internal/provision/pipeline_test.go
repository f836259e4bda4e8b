package provision

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"evalgo.org/mockcloud/internal/collab"
	"evalgo.org/mockcloud/internal/identity"
	"evalgo.org/mockcloud/internal/profile"
	"evalgo.org/mockcloud/internal/validation"
	"evalgo.org/mockcloud/models"
)

type fakeAssigner struct {
	calls int
	mac   string
	err   error
}

func (f *fakeAssigner) Assign(_ context.Context, mac, uuid string) (collab.Lease, error) {
	f.calls++
	f.mac = mac
	if f.err != nil {
		return collab.Lease{}, f.err
	}
	return collab.Lease{IP: "10.99.99.7", ServerHost: "10.99.99.1"}, nil
}

type fakeBooter struct {
	calls  int
	host   string
	params map[string]string
	err    error
}

func (f *fakeBooter) Fetch(_ context.Context, mac, host string) (map[string]string, error) {
	f.calls++
	f.host = host
	if f.err != nil {
		return nil, f.err
	}
	return f.params, nil
}

type failingLedger struct{}

func (failingLedger) AllocateIndex(string) (int, error) {
	return 0, errors.New("disk full")
}

const testCatalog = `
profiles:
  - name: small
    manufacturer: Acme
    product: Small-1
    cpu_type: Xeon
    cpu_virtualization: vmx
    cpu_physical_cores: 1
    cpu_total_cores: 8
    mib_of_memory: 16384
    disks:
      c0t0d0:
        size_gb: 600
        vendor_id: HDDV
        product_id: HDDP
      c0t1d0:
        size_gb: 100
        vendor_id: SSDV
        product_id: SSDP
        solid_state: true
    network_interfaces:
      ixgbe0:
        nic_names: [admin]
        link_status: up
      ixgbe1:
        link_status: up
  - name: bare
    manufacturer: Acme
    cpu_total_cores: 2
    mib_of_memory: 1024
`

type fixture struct {
	pipeline *Pipeline
	ledger   *identity.Ledger
	assigner *fakeAssigner
	booter   *fakeBooter
}

// newFixture builds a pipeline whose next allocated index is nextIndex.
func newFixture(t *testing.T, nextIndex int) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.json")
	if nextIndex > 0 {
		data, err := json.Marshal(map[string]identity.Entry{"seed": {Index: nextIndex - 1}})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	ledger, err := identity.LoadLedger(path)
	require.NoError(t, err)

	catalog, err := profile.Parse([]byte(testCatalog))
	require.NoError(t, err)

	f := &fixture{
		ledger:   ledger,
		assigner: &fakeAssigner{},
		booter:   &fakeBooter{params: map[string]string{"console": "ttyb"}},
	}
	f.pipeline, err = New(Options{
		Catalog: catalog,
		Ledger:  ledger,
		Metadata: collab.StaticMetadata{
			KeyDatacenter: "coal",
			KeyLiveImage:  "20231101T000000Z",
			KeyMACPrefix:  "06:de:ad",
		},
		Assigner: f.assigner,
		Booter:   f.booter,
		Logger:   zaptest.NewLogger(t).Sugar(),
		Rand:     rand.New(rand.NewPCG(1, 1)),
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	require.NoError(t, err)
	return f
}

func TestSteps(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, []string{
		StepScalars, StepDatacenter, StepLiveImage, StepProfile,
		StepIdentity, StepAddress, StepBootParams, StepHostname,
	}, f.pipeline.Steps())
}

func TestApply_MACDerivation(t *testing.T) {
	f := newFixture(t, 7)
	rec := &models.NodeRecord{
		UUID: "564d9a47-0b5c-4fd4-9c5e-0a9c3a0f1e2d",
		NetworkInterfaces: map[string]*models.NicRecord{
			"net0": {NICNames: []string{"admin"}},
			"net1": {},
		},
	}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	require.NotNil(t, rec.Index)
	assert.Equal(t, 7, *rec.Index)
	assert.Equal(t, "06:de:ad:00:07:00", rec.NetworkInterfaces["net0"].MACAddress)
	assert.Equal(t, "06:de:ad:00:07:01", rec.NetworkInterfaces["net1"].MACAddress)

	name, admin, ok := rec.AdminNIC()
	require.True(t, ok)
	assert.Equal(t, "net0", name)
	assert.Equal(t, "10.99.99.7", admin.IP4Addr)
	assert.Equal(t, "06:de:ad:00:07:00", f.assigner.mac)
	assert.Empty(t, rec.NetworkInterfaces["net1"].IP4Addr)
}

func TestApply_CompletesMinimalPayload(t *testing.T) {
	f := newFixture(t, 0)
	rec := &models.NodeRecord{UUID: "564d9a47-0b5c-4fd4-9c5e-0a9c3a0f1e2d"}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	assert.Equal(t, "1700000000", rec.BootTime)
	assert.Equal(t, "SunOS", rec.SystemType)
	assert.Equal(t, "7.0", rec.SDCVersion)
	assert.Equal(t, "coal", rec.DatacenterName)
	assert.Equal(t, "20231101T000000Z", rec.LiveImage)
	assert.NotEmpty(t, rec.HardwareProfile)
	assert.Equal(t, "ttyb", rec.BootParameters["console"])
	assert.Equal(t, "10.99.99.1", f.booter.host)

	_, admin, ok := rec.AdminNIC()
	require.True(t, ok)
	assert.Equal(t, "06-de-ad-00-00-00", rec.Hostname)
	assert.Equal(t, "06:de:ad:00:00:00", admin.MACAddress)

	result := validation.New().ValidateRecord(rec)
	assert.True(t, result.Valid, "%+v", result.Errors)
}

func TestApply_NamedProfile(t *testing.T) {
	f := newFixture(t, 0)
	rec := &models.NodeRecord{
		UUID:            "u1",
		HardwareProfile: "small",
		MiBOfMemory:     4096,
		Disks: map[string]*models.Disk{
			"d0": {SizeGB: 1},
			"d1": {SizeGB: 1, SolidState: true, VendorID: "MINE"},
		},
	}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	assert.Equal(t, "small", rec.HardwareProfile)
	assert.Equal(t, "Acme", rec.Manufacturer)
	assert.Equal(t, 8, rec.CPUTotalCores)
	assert.Equal(t, 4096, rec.MiBOfMemory)

	require.Len(t, rec.Disks, 2)
	assert.Equal(t, "HDDV", rec.Disks["d0"].VendorID)
	assert.Equal(t, "HDDP", rec.Disks["d0"].ProductID)
	assert.Equal(t, "MINE", rec.Disks["d1"].VendorID)
	assert.Equal(t, "SSDP", rec.Disks["d1"].ProductID)

	// profile NICs are merged when the payload has none
	assert.Contains(t, rec.NetworkInterfaces, "ixgbe0")
	assert.Contains(t, rec.NetworkInterfaces, "ixgbe1")
	name, _, _ := rec.AdminNIC()
	assert.Equal(t, "ixgbe0", name)
}

func TestApply_UnknownProfilePicksFromCatalog(t *testing.T) {
	f := newFixture(t, 0)
	rec := &models.NodeRecord{UUID: "u1", HardwareProfile: "no-such-profile"}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))
	assert.Contains(t, []string{"small", "bare"}, rec.HardwareProfile)
}

func TestApply_DefaultNICWhenProfileHasNone(t *testing.T) {
	f := newFixture(t, 0)
	rec := &models.NodeRecord{UUID: "u1", HardwareProfile: "bare"}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	require.Len(t, rec.NetworkInterfaces, 1)
	nic := rec.NetworkInterfaces["net0"]
	require.NotNil(t, nic)
	assert.True(t, nic.HasTag(models.AdminTag))
	assert.Equal(t, "06:de:ad:00:00:00", nic.MACAddress)
}

func TestApply_FirstNICBecomesAdmin(t *testing.T) {
	f := newFixture(t, 0)
	rec := &models.NodeRecord{
		UUID: "u1",
		NetworkInterfaces: map[string]*models.NicRecord{
			"e1000g1": {},
			"e1000g0": nil,
		},
	}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	assert.True(t, rec.NetworkInterfaces["e1000g0"].HasTag(models.AdminTag))
	assert.False(t, rec.NetworkInterfaces["e1000g1"].HasTag(models.AdminTag))
	assert.Equal(t, "06:de:ad:00:00:00", rec.NetworkInterfaces["e1000g0"].MACAddress)
}

func TestApply_SkipsAddressWhenPresent(t *testing.T) {
	f := newFixture(t, 0)
	rec := &models.NodeRecord{
		UUID: "u1",
		NetworkInterfaces: map[string]*models.NicRecord{
			"net0": {NICNames: []string{"admin"}, IP4Addr: "192.168.1.10"},
		},
	}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	assert.Equal(t, 0, f.assigner.calls)
	assert.Equal(t, 0, f.booter.calls, "no responding host, no boot params")
	assert.Equal(t, "192.168.1.10", rec.NetworkInterfaces["net0"].IP4Addr)
}

func TestApply_BootParamsMergeAndHostname(t *testing.T) {
	f := newFixture(t, 0)
	f.booter.params = map[string]string{"hostname": "cn-from-booter", "console": "vga"}
	rec := &models.NodeRecord{
		UUID:           "u1",
		BootParameters: map[string]string{"console": "ttyb"},
	}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	assert.Equal(t, "ttyb", rec.BootParameters["console"], "existing params are not overwritten")
	assert.Equal(t, "cn-from-booter", rec.BootParameters["hostname"])
	assert.Equal(t, "cn-from-booter", rec.Hostname)
}

func TestApply_BootParamsFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 0)
	f.booter.err = errors.New("connection refused")
	rec := &models.NodeRecord{UUID: "u1"}

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	assert.Empty(t, rec.BootParameters)
	_, admin, _ := rec.AdminNIC()
	assert.Equal(t, "06-de-ad-00-00-00", rec.Hostname)
	assert.Equal(t, "06:de:ad:00:00:00", admin.MACAddress)
}

func TestApply_AddressFailureAborts(t *testing.T) {
	f := newFixture(t, 0)
	f.assigner.err = errors.New("no leases")
	rec := &models.NodeRecord{UUID: "u1"}

	err := f.pipeline.Apply(context.Background(), rec)
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepAddress, stepErr.Step)
	assert.Empty(t, rec.Hostname, "later steps did not run")
	assert.Equal(t, 0, f.booter.calls)
}

func TestApply_LedgerFailureAborts(t *testing.T) {
	f := newFixture(t, 0)
	f.pipeline.opts.Ledger = failingLedger{}

	err := f.pipeline.Apply(context.Background(), &models.NodeRecord{UUID: "u1"})

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepIdentity, stepErr.Step)
	assert.Equal(t, 0, f.assigner.calls)
}

func TestApply_MetadataFailureAborts(t *testing.T) {
	f := newFixture(t, 0)
	f.pipeline.opts.Metadata = collab.StaticMetadata{}

	err := f.pipeline.Apply(context.Background(), &models.NodeRecord{UUID: "u1"})

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepDatacenter, stepErr.Step)
	assert.ErrorIs(t, err, collab.ErrNoMetadata)
}

func TestApply_RequiresUUID(t *testing.T) {
	f := newFixture(t, 0)
	assert.Error(t, f.pipeline.Apply(context.Background(), &models.NodeRecord{}))
}

func TestApply_CanceledContext(t *testing.T) {
	f := newFixture(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.pipeline.Apply(ctx, &models.NodeRecord{UUID: "u1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t, 3)
	rec := &models.NodeRecord{UUID: "u1"}
	require.NoError(t, f.pipeline.Apply(context.Background(), rec))

	before, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Apply(context.Background(), rec))
	after, err := json.Marshal(rec)
	require.NoError(t, err)

	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, 1, f.assigner.calls)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
