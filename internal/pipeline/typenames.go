package pipeline

import (
	"strconv"

	"github.com/hydraforge/resolver/internal/dns"
)

// RecordTypeName exposes recordTypeName for callers outside this package
// (listener front-ends logging the query type).
func RecordTypeName(t uint16) string { return recordTypeName(t) }

// recordTypeName maps a wire RecordType to the string form used throughout
// ports.LocalRecord, ports.RewriteRule, and GlobalSettings.DisabledRecordTypes
// (e.g. "A", "AAAA", "MX"). Unknown types fall back to "TYPE<n>", mirroring
// the zone-file convention for unrecognized RR types.
func recordTypeName(t uint16) string {
	switch dns.RecordType(t) {
	case dns.TypeA:
		return "A"
	case dns.TypeNS:
		return "NS"
	case dns.TypeCNAME:
		return "CNAME"
	case dns.TypeSOA:
		return "SOA"
	case dns.TypePTR:
		return "PTR"
	case dns.TypeMX:
		return "MX"
	case dns.TypeTXT:
		return "TXT"
	case dns.TypeAAAA:
		return "AAAA"
	case dns.TypeSRV:
		return "SRV"
	default:
		return "TYPE" + strconv.FormatUint(uint64(t), 10)
	}
}

func recordCodeName(rcode dns.RCode) string {
	switch rcode {
	case dns.RCodeNoError:
		return "NOERROR"
	case dns.RCodeFormErr:
		return "FORMERR"
	case dns.RCodeServFail:
		return "SERVFAIL"
	case dns.RCodeNXDomain:
		return "NXDOMAIN"
	case dns.RCodeNotImp:
		return "NOTIMP"
	case dns.RCodeRefused:
		return "REFUSED"
	default:
		return "RCODE" + strconv.FormatUint(uint64(rcode), 10)
	}
}
