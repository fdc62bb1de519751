package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// when
	cfg, err := Load()

	// then
	require.NoError(t, err)
	require.Equal(t, "mainnet", cfg.Network)
	require.Equal(t, 4*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 4*time.Second, cfg.BlockTimeout)
	require.Equal(t, 60*time.Second, cfg.PingInterval)
	require.Equal(t, 10*time.Second, cfg.PingTimeout)
	require.Equal(t, InMemory, cfg.Cache.Engine)

	// transports through proxies are disabled until configured
	require.Empty(t, cfg.TCPProxyURL)
	require.Empty(t, cfg.SSLProxyURL)
}

func TestLoad_FileOverride(t *testing.T) {
	// given
	dir := t.TempDir()
	content := []byte("network: testnet\nsslProxyUrl: wss://proxy.example.org/ssl\nlogFormat: tint\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	// when
	cfg, err := Load(dir)

	// then
	require.NoError(t, err)
	require.Equal(t, "testnet", cfg.Network)
	require.Equal(t, "wss://proxy.example.org/ssl", cfg.SSLProxyURL)
	require.Equal(t, "tint", cfg.LogFormat)

	// untouched keys keep their defaults
	require.Equal(t, 60*time.Second, cfg.PingInterval)
}

func TestLoad_MissingDir(t *testing.T) {
	// when
	_, err := Load("/does/not/exist")

	// then
	require.ErrorIs(t, err, ErrConfigPath)
}
