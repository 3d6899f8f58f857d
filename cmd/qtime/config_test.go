package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/entitytime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
hub: 127.0.0.1:4433
certs: /etc/qtime
machine: alice
resource: laptop
auto_enable: false
reply_timeout: 2s
cache:
  path: /var/lib/qtime/caps.db
  ttl: 1h
metrics_addr: 127.0.0.1:9100
nameserver: 10.0.0.53
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4433", cfg.Hub)
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Equal(t, "laptop", cfg.Resource)
	require.NotNil(t, cfg.AutoEnable)
	assert.False(t, *cfg.AutoEnable)
	assert.Equal(t, 2*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 256, cfg.Cache.Size)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "10.0.0.53:53", cfg.Nameserver)
	assert.Equal(t, &qfeature.DNSResolver{Nameserver: "10.0.0.53:53"}, cfg.Resolver())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "hub: h:1\ncerts: c\nmachine: m\n"))
	require.NoError(t, err)
	assert.True(t, *cfg.AutoEnable)
	assert.Equal(t, qfeature.DefaultReplyTimeout, cfg.ReplyTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Empty(t, cfg.Cache.Path)
	assert.Nil(t, cfg.Resolver())
}

func TestLoadConfigNameserverPort(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "hub: h:1\ncerts: c\nmachine: m\nnameserver: \"[::1]:5353\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "[::1]:5353", cfg.Nameserver)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "hub: h:1\nmachine: m\n"))
	assert.ErrorIs(t, err, errConfig)

	_, err = LoadConfig(writeConfig(t, "hub: [\n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPrintTime(t *testing.T) {
	sent := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &entitytime.Response{
		From: qfeature.MustParseAddr("bob/r1"),
		Time: entitytime.Time{UTC: sent.Add(1100 * time.Millisecond), TZO: "+02:00"},
	}
	var buf bytes.Buffer
	require.NoError(t, printTime(&buf, r, sent, sent.Add(200*time.Millisecond)))
	assert.Equal(t, "bob/r1\t2026-01-01T14:00:01.1+02:00\toffset 1s\trtt 200ms\n", buf.String())
}
