package dns_test

import (
	"strings"
	"testing"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTXTRecord(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	rec := dns.NewTXTRecord(h, "v=spf1 -all")

	assert.Equal(t, dns.TypeTXT, rec.Type())
	assert.Equal(t, []string{"v=spf1 -all"}, rec.Texts)
}

func TestTXTRecord_MarshalRData_MultipleStrings(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	rec := dns.NewTXTRecord(h, "first", "second")

	data, err := rec.MarshalRData()
	require.NoError(t, err)
	assert.Equal(t, byte(5), data[0])
	assert.Equal(t, "first", string(data[1:6]))
	assert.Equal(t, byte(6), data[6])
	assert.Equal(t, "second", string(data[7:13]))
}

func TestTXTRecord_MarshalRData_LongStringChunked(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	long := strings.Repeat("a", 300)
	rec := dns.NewTXTRecord(h, long)

	data, err := rec.MarshalRData()
	require.NoError(t, err)
	assert.Equal(t, byte(255), data[0])
	assert.Equal(t, byte(300-255), data[256])
}

func TestTXTRData_RoundTrip(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	rec := dns.NewTXTRecord(h, "one", "two", "three")

	data, err := rec.MarshalRData()
	require.NoError(t, err)

	off := 0
	parsed, err := dns.ParseTXTRData(data, &off, len(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, parsed.Texts)
}

func TestParseTXTRData_TruncatedString(t *testing.T) {
	off := 0
	_, err := dns.ParseTXTRData([]byte{10, 'a', 'b'}, &off, 3)
	assert.Error(t, err)
}

func TestTXTRecord_SetHeader(t *testing.T) {
	rec := &dns.TXTRecord{Texts: []string{"hello"}}
	h := dns.NewRRHeader("test.com.", dns.ClassIN, 600)
	rec.SetHeader(h)

	assert.Equal(t, "test.com.", rec.Header().Name)
}
