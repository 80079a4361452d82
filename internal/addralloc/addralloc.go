// Package addralloc implements the per-network address pool described
// in spec §4.5: next-free allocation with monotonically advancing
// last_allocated, explicit assignment, and release-by-token.
package addralloc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrAddressUsed is returned by AssignCIDR when the address is already
	// allocated anywhere in the network.
	ErrAddressUsed = errors.New("addralloc: address already allocated")
	// ErrInvalidAddress is returned by AssignCIDR when the address falls
	// outside the pool's subnet. AssignCIDR does not reject the subnet's
	// network or broadcast address.
	ErrInvalidAddress = errors.New("addralloc: address outside subnet")
)

// AllocationFailure reports pool exhaustion for a named network.
type AllocationFailure struct {
	Network string
}

func (e *AllocationFailure) Error() string {
	return fmt.Sprintf("addralloc: pool %q exhausted", e.Network)
}

// Pool is one named network's address range.
type Pool struct {
	Network       string
	Subnet        netip.Prefix
	Start         netip.Addr
	End           netip.Addr
	LastAllocated netip.Addr
}

// Allocator persists allocations in the shared sqlite database (spec
// §4.5's netpool / address_allocation tables).
type Allocator struct {
	db *sql.DB
}

func New(db *sql.DB) *Allocator {
	return &Allocator{db: db}
}

// CreatePool registers a new named network's address range.
func (a *Allocator) CreatePool(ctx context.Context, p Pool) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO netpool (network, subnet, start, end, last_allocated) VALUES (?, ?, ?, ?, NULL)`,
		p.Network, p.Subnet.String(), p.Start.String(), p.End.String())
	if err != nil {
		return fmt.Errorf("addralloc: create pool %q: %w", p.Network, err)
	}
	return nil
}

func (a *Allocator) loadPool(ctx context.Context, tx *sql.Tx, network string) (Pool, error) {
	var subnet, start, end string
	var lastAllocated sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT subnet, start, end, last_allocated FROM netpool WHERE network = ?`, network).
		Scan(&subnet, &start, &end, &lastAllocated)
	if err != nil {
		return Pool{}, fmt.Errorf("addralloc: load pool %q: %w", network, err)
	}

	p := Pool{Network: network}
	if p.Subnet, err = netip.ParsePrefix(subnet); err != nil {
		return Pool{}, err
	}
	if p.Start, err = netip.ParseAddr(start); err != nil {
		return Pool{}, err
	}
	if p.End, err = netip.ParseAddr(end); err != nil {
		return Pool{}, err
	}
	if lastAllocated.Valid {
		if p.LastAllocated, err = netip.ParseAddr(lastAllocated.String); err != nil {
			return Pool{}, err
		}
	}
	return p, nil
}

// NextCIDR allocates the next free address beginning at
// last_allocated+1, wrapping modulo the pool window and skipping the
// subnet/broadcast endpoints. Returns AllocationFailure if the pool
// is exhausted — i.e. every address in [Start, End] is taken.
func (a *Allocator) NextCIDR(ctx context.Context, network, token string) (netip.Addr, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("addralloc: begin tx: %w", err)
	}
	defer tx.Rollback()

	pool, err := a.loadPool(ctx, tx, network)
	if err != nil {
		return netip.Addr{}, err
	}

	candidate := pool.LastAllocated
	if !candidate.IsValid() {
		candidate = pool.Start
	} else {
		candidate = nextAddr(candidate)
		if !inRange(candidate, pool.Start, pool.End) {
			candidate = pool.Start
		}
	}

	first := candidate
	for {
		if usable(candidate, pool.Subnet) {
			used, err := addressInUse(ctx, tx, network, candidate)
			if err != nil {
				return netip.Addr{}, err
			}
			if !used {
				if err := insertAllocation(ctx, tx, network, token, candidate); err != nil {
					return netip.Addr{}, err
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE netpool SET last_allocated = ? WHERE network = ?`, candidate.String(), network); err != nil {
					return netip.Addr{}, fmt.Errorf("addralloc: update last_allocated: %w", err)
				}
				if err := tx.Commit(); err != nil {
					return netip.Addr{}, fmt.Errorf("addralloc: commit: %w", err)
				}
				return candidate, nil
			}
		}
		candidate = nextAddr(candidate)
		if !inRange(candidate, pool.Start, pool.End) {
			candidate = pool.Start
		}
		if candidate == first {
			return netip.Addr{}, &AllocationFailure{Network: network}
		}
	}
}

// AssignCIDR explicitly allocates addr to token, failing if the
// address is already used or falls outside the pool's subnet.
func (a *Allocator) AssignCIDR(ctx context.Context, network, token string, addr netip.Addr) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("addralloc: begin tx: %w", err)
	}
	defer tx.Rollback()

	pool, err := a.loadPool(ctx, tx, network)
	if err != nil {
		return err
	}
	if !pool.Subnet.Contains(addr) {
		return ErrInvalidAddress
	}
	used, err := addressInUse(ctx, tx, network, addr)
	if err != nil {
		return err
	}
	if used {
		return ErrAddressUsed
	}
	if err := insertAllocation(ctx, tx, network, token, addr); err != nil {
		return err
	}
	return tx.Commit()
}

// Release removes every allocation held by token (a range delete
// keyed by token, per spec §4.5).
func (a *Allocator) Release(ctx context.Context, token string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM address_allocation WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("addralloc: release %q: %w", token, err)
	}
	return nil
}

func insertAllocation(ctx context.Context, tx *sql.Tx, network, token string, addr netip.Addr) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO address_allocation (network, token, address) VALUES (?, ?, ?)`,
		network, token, addr.String())
	if err != nil {
		return fmt.Errorf("addralloc: insert allocation: %w", err)
	}
	return nil
}

func addressInUse(ctx context.Context, tx *sql.Tx, network string, addr netip.Addr) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM address_allocation WHERE network = ? AND address = ?`,
		network, addr.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("addralloc: check allocation: %w", err)
	}
	return count > 0, nil
}

// usable excludes the subnet's network and broadcast addresses.
func usable(addr netip.Addr, subnet netip.Prefix) bool {
	if !subnet.IsValid() {
		return true
	}
	if addr == subnet.Masked().Addr() {
		return false
	}
	bcast := broadcastAddr(subnet)
	return addr != bcast
}

func broadcastAddr(subnet netip.Prefix) netip.Addr {
	base := subnet.Masked().Addr()
	bytes := base.AsSlice()
	bits := subnet.Bits()
	for i := range bytes {
		bitOffset := i * 8
		if bitOffset+8 <= bits {
			continue
		}
		if bitOffset >= bits {
			bytes[i] = 0xff
			continue
		}
		hostBitsInByte := 8 - (bits - bitOffset)
		var mask byte = (1 << hostBitsInByte) - 1
		bytes[i] |= mask
	}
	addr, _ := netip.AddrFromSlice(bytes)
	if base.Is4() {
		addr = addr.Unmap()
	}
	return addr
}

func nextAddr(addr netip.Addr) netip.Addr {
	return addr.Next()
}

func inRange(addr, start, end netip.Addr) bool {
	return addr.Compare(start) >= 0 && addr.Compare(end) <= 0
}
