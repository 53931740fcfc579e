package dns_test

import (
	"testing"

	"github.com/hydraforge/resolver/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMXRecord(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	rec := dns.NewMXRecord(h, 10, "mail.example.com.")

	assert.Equal(t, dns.TypeMX, rec.Type())
	assert.Equal(t, "example.com.", rec.Header().Name)
	assert.Equal(t, uint16(10), rec.Preference)
	assert.Equal(t, "mail.example.com.", rec.Exchange)
}

func TestMXRecord_MarshalRData(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	rec := dns.NewMXRecord(h, 10, "mail.example.com.")

	data, err := rec.MarshalRData()
	require.NoError(t, err)
	assert.Equal(t, uint16(10), uint16(data[0])<<8|uint16(data[1]))
}

func TestMXRData_RoundTrip(t *testing.T) {
	h := dns.NewRRHeader("example.com.", dns.ClassIN, 300)
	rec := dns.NewMXRecord(h, 20, "mail2.example.com.")

	data, err := rec.MarshalRData()
	require.NoError(t, err)

	off := 0
	parsed, err := dns.ParseMXRData(data, &off, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, uint16(20), parsed.Preference)
	assert.Equal(t, "mail2.example.com", parsed.Exchange)
}

func TestParseMXRData_TruncatedPreference(t *testing.T) {
	off := 0
	_, err := dns.ParseMXRData([]byte{0}, &off, 0, 1)
	assert.Error(t, err)
}

func TestMXRecord_SetHeader(t *testing.T) {
	rec := &dns.MXRecord{Preference: 5, Exchange: "mail.example.com."}
	h := dns.NewRRHeader("test.com.", dns.ClassIN, 600)
	rec.SetHeader(h)

	assert.Equal(t, "test.com.", rec.Header().Name)
	assert.Equal(t, uint32(600), rec.Header().TTL)
}
