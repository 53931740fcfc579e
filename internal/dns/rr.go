package dns

import (
	"encoding/binary"
	"fmt"
)

// RRHeader carries the owner name, class, and TTL shared by every resource
// record. The wire type code is reported by each concrete Record's Type
// method rather than stored here, since OPT repurposes the CLASS and TTL
// fields for EDNS semantics (see edns.go).
type RRHeader struct {
	Name  string
	Class uint16
	TTL   uint32
}

// NewRRHeader builds an RRHeader for a record of the given class and TTL.
func NewRRHeader(name string, class RecordClass, ttl uint32) RRHeader {
	return RRHeader{Name: name, Class: uint16(class), TTL: ttl}
}

// Record is a single resource record: a typed owner/class/TTL header plus
// type-specific RDATA. Concrete implementations: IPRecord (A/AAAA),
// NameRecord (CNAME/NS/PTR), MXRecord, TXTRecord, SRVRecord, SOARecord, and
// OpaqueRecord (OPT and any unrecognized type).
type Record interface {
	Type() RecordType
	Header() RRHeader
	SetHeader(RRHeader)
	MarshalRData() ([]byte, error)
}

// MarshalRR serializes a Record to wire format: owner name, fixed fields,
// RDLENGTH, then RDATA.
func MarshalRR(r Record) ([]byte, error) {
	h := r.Header()

	nameWire := []byte{0}
	if r.Type() != TypeOPT {
		b, err := EncodeName(h.Name)
		if err != nil {
			return nil, err
		}
		nameWire = b
	}

	rdata, err := r.MarshalRData()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(nameWire)+10+len(rdata))
	out = append(out, nameWire...)
	fixed := make([]byte, 10)
	binary.BigEndian.PutUint16(fixed[0:2], uint16(r.Type()))
	binary.BigEndian.PutUint16(fixed[2:4], h.Class)
	binary.BigEndian.PutUint32(fixed[4:8], h.TTL)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(rdata)))
	out = append(out, fixed...)
	out = append(out, rdata...)
	return out, nil
}

// ParseRR parses one resource record from msg at *off, advancing *off past
// it, and dispatches to the concrete Record implementation for its type.
func ParseRR(msg []byte, off *int) (Record, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return nil, err
	}
	if *off+10 > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading DNS record", ErrDNSError)
	}
	rrType := RecordType(binary.BigEndian.Uint16(msg[*off : *off+2]))
	rrClass := binary.BigEndian.Uint16(msg[*off+2 : *off+4])
	ttl := binary.BigEndian.Uint32(msg[*off+4 : *off+8])
	rdlen := int(binary.BigEndian.Uint16(msg[*off+8 : *off+10]))
	*off += 10
	start := *off
	if start+rdlen > len(msg) {
		return nil, fmt.Errorf("%w: unexpected EOF while reading DNS record rdata", ErrDNSError)
	}

	h := RRHeader{Name: name, Class: rrClass, TTL: ttl}

	var rr Record
	switch rrType {
	case TypeA, TypeAAAA:
		rr, err = ParseIPRData(msg, off, rdlen)
	case TypeCNAME, TypeNS, TypePTR:
		rr, err = ParseNameRData(msg, off, start, rdlen, rrType)
	case TypeMX:
		rr, err = ParseMXRData(msg, off, start, rdlen)
	case TypeTXT:
		rr, err = ParseTXTRData(msg, off, rdlen)
	case TypeSRV:
		rr, err = ParseSRVRData(msg, off, start, rdlen)
	case TypeSOA:
		rr, err = ParseSOARData(msg, off, start, rdlen)
	default:
		rr, err = ParseOpaqueRData(msg, off, rdlen, rrType)
	}
	if err != nil {
		return nil, err
	}
	rr.SetHeader(h)
	return rr, nil
}
