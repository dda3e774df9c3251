// Package trace turns raw (source, destination) traffic records into per-VM
// peer feature sets.
package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/tracecluster/tracecluster/pkg/features"
)

// ErrMalformedRecord is returned for a trace or metadata row with too few columns.
var ErrMalformedRecord = errors.New("trace: malformed record")

// Metadata maps an IP address to the VM that owns it.
type Metadata map[string]string

// VMs returns the number of distinct VMs in m.
func (m Metadata) VMs() int {
	seen := make(map[string]struct{}, len(m))
	for _, vm := range m {
		seen[vm] = struct{}{}
	}
	return len(seen)
}

// Options controls how records become features.
type Options struct {
	// HasHeader skips the first row.
	HasHeader bool
	// ExternalOnly ignores peers for which IsInternalIP is true.
	ExternalOnly bool
}

// Stats counts what Extract saw.
type Stats struct {
	Records int
	Matched int
	Skipped int
}

// IsInternalIP reports whether s is a private, reserved, link-local or
// loopback address. Strings that do not parse as an IP are not internal.
func IsInternalIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || isReserved(addr)
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("::/8"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func isReserved(addr netip.Addr) bool {
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Extract reads (source, destination) rows from r. For each row, a source
// owned by a VM gains the destination as a peer, and a destination owned by a
// VM gains the source. Features are added to dict, which keeps VM discovery
// order.
func Extract(r io.Reader, meta Metadata, dict *features.Dict, opts Options) (Stats, error) {
	var stats Stats
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	if opts.HasHeader {
		if _, err := cr.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("read header: %w", err)
		}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read record %d: %w", stats.Records+1, err)
		}
		stats.Records++
		if len(rec) < 2 {
			return stats, fmt.Errorf("%w: record %d has %d columns", ErrMalformedRecord, stats.Records, len(rec))
		}

		src, dst := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		matched := false
		if vm, ok := meta[src]; ok {
			matched = addPeer(dict, vm, dst, opts) || matched
		}
		if vm, ok := meta[dst]; ok {
			matched = addPeer(dict, vm, src, opts) || matched
		}
		if matched {
			stats.Matched++
		} else {
			stats.Skipped++
		}
	}
}

func addPeer(dict *features.Dict, vm, peer string, opts Options) bool {
	if opts.ExternalOnly && IsInternalIP(peer) {
		return false
	}
	dict.Add(vm, peer)
	return true
}

// ExtractFile is Extract over the file at path.
func ExtractFile(path string, meta Metadata, dict *features.Dict, opts Options) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()
	return Extract(f, meta, dict, opts)
}

// LoadMetadata reads "ip,vmid" rows. A header row whose first column is "ip"
// is skipped.
func LoadMetadata(r io.Reader) (Metadata, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	meta := make(Metadata)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return meta, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read metadata line %d: %w", line, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: metadata line %d has %d columns", ErrMalformedRecord, line, len(rec))
		}
		ip, vm := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if line == 1 && strings.EqualFold(ip, "ip") {
			continue
		}
		meta[ip] = vm
	}
}

// LoadMetadataFile is LoadMetadata over the file at path.
func LoadMetadataFile(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer f.Close()
	return LoadMetadata(f)
}
