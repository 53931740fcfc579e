package filtering_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydraforge/resolver/internal/filtering"
	"github.com/hydraforge/resolver/internal/ports"
)

func TestFeeder_Rules_MergesSourcesIntoBlockRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ads.example.com\ntracker.example.org\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte("0.0.0.0 malware.example.net\n"), 0o644))

	f := filtering.NewFeeder(nil, []filtering.Source{
		{Name: "remote", URL: srv.URL, Format: filtering.FormatDomains},
		{Name: "local", Path: path, Format: filtering.FormatHosts},
	}, 10)

	rules := f.Rules()

	byPattern := map[string]ports.RewriteRule{}
	for _, r := range rules {
		byPattern[r.Pattern] = r
		assert.Equal(t, ports.ActionBlock, r.Action)
		assert.Equal(t, 10, r.Priority)
		assert.True(t, r.Enabled)
	}

	_, hasApex := byPattern["ads.example.com"]
	_, hasWildcard := byPattern["*.ads.example.com"]
	assert.True(t, hasApex)
	assert.True(t, hasWildcard)

	_, hasMalwareApex := byPattern["malware.example.net"]
	assert.True(t, hasMalwareApex)
}

func TestFeeder_Rules_SkipsUnreachableSource(t *testing.T) {
	f := filtering.NewFeeder(nil, []filtering.Source{
		{Name: "missing", Path: "/no/such/file", Format: filtering.FormatDomains},
	}, 10)

	rules := f.Rules()
	assert.Empty(t, rules)
}

func TestFeeder_Start_DeliversInitialAndRefreshedRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("first.example.com\n"), 0o644))

	f := filtering.NewFeeder(nil, []filtering.Source{{Name: "f", Path: path, Format: filtering.FormatDomains}}, 5)

	updates := make(chan []ports.RewriteRule, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.Start(ctx, 10*time.Millisecond, func(rules []ports.RewriteRule) { updates <- rules })

	first := <-updates
	assert.NotEmpty(t, first)

	require.NoError(t, os.WriteFile(path, []byte("first.example.com\nsecond.example.com\n"), 0o644))

	select {
	case next := <-updates:
		assert.GreaterOrEqual(t, len(next), len(first))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refreshed rules")
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, filtering.FormatDomains, filtering.ParseFormat("domains"))
	assert.Equal(t, filtering.FormatHosts, filtering.ParseFormat("hosts"))
	assert.Equal(t, filtering.FormatAdblock, filtering.ParseFormat("adblock"))
	assert.Equal(t, filtering.FormatAuto, filtering.ParseFormat("auto"))
	assert.Equal(t, filtering.FormatAuto, filtering.ParseFormat(""))
	assert.Equal(t, filtering.FormatAuto, filtering.ParseFormat("bogus"))
}
