package dns_test

import (
	"testing"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSOARecord(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 86400)
	rec := dns.NewSOARecord(h, "ns1.example.com.", "admin.example.com.", 2024010101, 7200, 3600, 1209600, 300)

	assert.Equal(t, dns.TypeSOA, rec.Type())
	assert.Equal(t, "ns1.example.com.", rec.MName)
	assert.Equal(t, "admin.example.com.", rec.RName)
	assert.Equal(t, uint32(2024010101), rec.Serial)
	assert.Equal(t, uint32(300), rec.Minimum)
}

func TestSOARData_RoundTrip(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 86400)
	rec := dns.NewSOARecord(h, "ns1.example.com.", "admin.example.com.", 1, 2, 3, 4, 5)

	data, err := rec.MarshalRData()
	require.NoError(t, err)

	off := 0
	parsed, err := dns.ParseSOARData(data, &off, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, "ns1.example.com", parsed.MName)
	assert.Equal(t, "admin.example.com", parsed.RName)
	assert.Equal(t, uint32(1), parsed.Serial)
	assert.Equal(t, uint32(2), parsed.Refresh)
	assert.Equal(t, uint32(3), parsed.Retry)
	assert.Equal(t, uint32(4), parsed.Expire)
	assert.Equal(t, uint32(5), parsed.Minimum)
}

func TestParseSOARData_TruncatedFixedFields(t *testing.T) {
	mname, err := dns.EncodeName("ns1.example.com.")
	require.NoError(t, err)
	rname, err := dns.EncodeName("admin.example.com.")
	require.NoError(t, err)

	msg := append(append([]byte{}, mname...), rname...)
	msg = append(msg, 0, 0, 0, 1) // only 4 of 20 fixed-field bytes
	off := 0
	_, err = dns.ParseSOARData(msg, &off, 0, len(msg))
	assert.Error(t, err)
}

func TestSOARecord_SetHeader(t *testing.T) {
	rec := &dns.SOARecord{MName: "ns1.example.com.", RName: "admin.example.com."}
	h := dns.NewRRHeader("test.com.", dns.ClassIN, 600)
	rec.SetHeader(h)

	assert.Equal(t, "test.com.", rec.Header().Name)
}
