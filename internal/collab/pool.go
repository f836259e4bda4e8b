package collab

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// PoolAssigner is an in-process address assigner over a single CIDR. The
// network, gateway (first host) and broadcast addresses are never handed out.
// A MAC that already holds a lease gets the same address back.
type PoolAssigner struct {
	network    *net.IPNet
	serverHost string

	mu      sync.Mutex
	byMAC   map[string]string
	inUse   map[string]bool
	gateway string
}

// NewPoolAssigner creates a pool over cidr; serverHost is reported as the
// responding host of every lease.
func NewPoolAssigner(cidr, serverHost string) (*PoolAssigner, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("encountered an invalid cidr %q: %w", cidr, err)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("cidr %q is not IPv4", cidr)
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return nil, fmt.Errorf("cidr %q is too small", cidr)
	}

	p := &PoolAssigner{
		network:    network,
		serverHost: serverHost,
		byMAC:      make(map[string]string),
		inUse:      make(map[string]bool),
	}
	p.gateway = p.hostAddr(1)
	p.inUse[p.gateway] = true
	return p, nil
}

// Gateway returns the reserved gateway address.
func (p *PoolAssigner) Gateway() string {
	return p.gateway
}

// Assign returns the lease for mac, allocating the lowest free address.
func (p *PoolAssigner) Assign(ctx context.Context, mac, uuid string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	if mac == "" {
		return Lease{}, fmt.Errorf("mac is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ip, ok := p.byMAC[mac]; ok {
		return Lease{IP: ip, ServerHost: p.serverHost}, nil
	}

	ones, bits := p.network.Mask.Size()
	size := uint32(1) << uint(bits-ones)
	for i := uint32(2); i < size-1; i++ {
		ip := p.hostAddr(i)
		if p.inUse[ip] {
			continue
		}
		p.inUse[ip] = true
		p.byMAC[mac] = ip
		return Lease{IP: ip, ServerHost: p.serverHost}, nil
	}

	return Lease{}, fmt.Errorf("unable to find an available IP Address in the subnet %v", p.network)
}

// Release frees the address held by mac.
func (p *PoolAssigner) Release(mac string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ip, ok := p.byMAC[mac]; ok {
		delete(p.inUse, ip)
		delete(p.byMAC, mac)
	}
}

// Reserve marks ip as taken by mac, for addresses already present on disk.
func (p *PoolAssigner) Reserve(mac, ip string) {
	parsed := net.ParseIP(ip)
	if parsed == nil || !p.network.Contains(parsed) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse[ip] = true
	if mac != "" {
		p.byMAC[mac] = ip
	}
}

func (p *PoolAssigner) hostAddr(offset uint32) string {
	base := binary.BigEndian.Uint32(p.network.IP.To4())
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, base+offset)
	return ip.String()
}
