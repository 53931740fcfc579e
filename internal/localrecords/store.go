// Package localrecords implements the resolver's authoritative local
// record store: exact and wildcard name matches answered directly,
// without consulting any upstream.
//
// The matching rules (exact beats wildcard, longest wildcard suffix wins)
// generalize internal/filtering's DomainTrie, whose reversed-label walk
// proves membership only; here each node must also carry the actual typed
// record values, and ties between overlapping wildcards must resolve to
// the most specific one rather than a boolean answer.
package localrecords

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/hydraforge/resolver/internal/ports"
)

// Store answers queries from a fixed, admin-managed set of local records.
type Store struct {
	mu       sync.RWMutex
	exact    map[string]map[string][]ports.LocalRecord // normalized name -> record type -> records
	wildcard map[string]map[string][]ports.LocalRecord // suffix (no leading "*.") -> record type -> records
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		exact:    make(map[string]map[string][]ports.LocalRecord),
		wildcard: make(map[string]map[string][]ports.LocalRecord),
	}
}

// Replace atomically swaps the store's contents for records, silently
// skipping disabled entries. Called whenever a new ConfigSnapshot arrives.
func (s *Store) Replace(records []ports.LocalRecord) {
	exact := make(map[string]map[string][]ports.LocalRecord)
	wildcard := make(map[string]map[string][]ports.LocalRecord)

	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		name := dns.NormalizeName(rec.Name)
		recType := strings.ToUpper(rec.Type)

		if strings.HasPrefix(name, "*.") {
			suffix := strings.TrimPrefix(name, "*.")
			byType, ok := wildcard[suffix]
			if !ok {
				byType = make(map[string][]ports.LocalRecord)
				wildcard[suffix] = byType
			}
			byType[recType] = append(byType[recType], rec)
			continue
		}
		byType, ok := exact[name]
		if !ok {
			byType = make(map[string][]ports.LocalRecord)
			exact[name] = byType
		}
		byType[recType] = append(byType[recType], rec)
	}

	s.mu.Lock()
	s.exact = exact
	s.wildcard = wildcard
	s.mu.Unlock()
}

// Lookup returns the local records of type recordType for name. nameExists
// reports whether name (or a wildcard ancestor) has ANY enabled local
// records, distinguishing "this name is local but has no data of this
// type" (NODATA) from "this name is not local at all" (fall through to
// the rest of the pipeline).
//
// Exact matches always win over wildcard matches; among wildcards, the
// one with the longest matching suffix wins.
func (s *Store) Lookup(name, recordType string) (records []ports.LocalRecord, nameExists bool) {
	name = dns.NormalizeName(name)
	recordType = strings.ToUpper(recordType)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if byType, ok := s.exact[name]; ok {
		return byType[recordType], true
	}

	labels := strings.Split(name, ".")
	// Start at i=1: a wildcard "*.example.com" (suffix "example.com") must
	// not match the apex "example.com" itself, only strict subdomains of it.
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if byType, ok := s.wildcard[suffix]; ok {
			return byType[recordType], true
		}
	}
	return nil, false
}

// ToRecords converts LocalRecord entries of a single type into wire-ready
// dns.Record values. Unsupported types return an error naming the type.
func ToRecords(name string, ttl uint32, entries []ports.LocalRecord) ([]dns.Record, error) {
	out := make([]dns.Record, 0, len(entries))
	for _, e := range entries {
		r, err := toRecord(name, ttl, e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toRecord(name string, ttl uint32, e ports.LocalRecord) (dns.Record, error) {
	h := dns.NewRRHeader(name, dns.ClassIN, ttl)
	switch strings.ToUpper(e.Type) {
	case "A", "AAAA":
		ip := net.ParseIP(e.Value)
		if ip == nil {
			return nil, fmt.Errorf("localrecords: invalid IP %q for %s", e.Value, name)
		}
		return dns.NewIPRecord(h, ip), nil
	case "CNAME":
		return dns.NewCNAMERecord(h, e.Value), nil
	case "NS":
		return dns.NewNSRecord(h, e.Value), nil
	case "PTR":
		return dns.NewPTRRecord(h, e.Value), nil
	case "TXT":
		return dns.NewTXTRecord(h, e.Value), nil
	case "MX":
		pref, target, err := splitMX(e.Value)
		if err != nil {
			return nil, err
		}
		return dns.NewMXRecord(h, pref, target), nil
	case "SRV":
		priority, weight, port, target, err := splitSRV(e.Value)
		if err != nil {
			return nil, err
		}
		return dns.NewSRVRecord(h, priority, weight, port, target), nil
	default:
		return nil, fmt.Errorf("localrecords: unsupported record type %q for %s", e.Type, name)
	}
}

// splitMX parses a "<preference> <exchange>" value.
func splitMX(value string) (uint16, string, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("localrecords: MX value %q must be \"<preference> <exchange>\"", value)
	}
	pref, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("localrecords: MX preference %q: %w", fields[0], err)
	}
	return uint16(pref), fields[1], nil
}

// splitSRV parses a "<priority> <weight> <port> <target>" value.
func splitSRV(value string) (uint16, uint16, uint16, string, error) {
	fields := strings.Fields(value)
	if len(fields) != 4 {
		return 0, 0, 0, "", fmt.Errorf("localrecords: SRV value %q must be \"<priority> <weight> <port> <target>\"", value)
	}
	var nums [3]uint64
	for i := range 3 {
		n, err := strconv.ParseUint(fields[i], 10, 16)
		if err != nil {
			return 0, 0, 0, "", fmt.Errorf("localrecords: SRV field %q: %w", fields[i], err)
		}
		nums[i] = n
	}
	return uint16(nums[0]), uint16(nums[1]), uint16(nums[2]), fields[3], nil
}
