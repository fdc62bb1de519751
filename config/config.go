// Package config loads the client configuration: defaults from the struct,
// overridden by an optional YAML file, overridden by ELECTRUM_-prefixed
// environment variables.
package config

import (
	"time"
)

const (
	InMemory  = "in-memory"
	GoCache   = "go-cache"
	FreeCache = "freecache"
	Redis     = "redis"
)

type Config struct {
	// Network selects mainnet or testnet; it fixes chain parameters, the
	// expected genesis hash and the default Electrum ports.
	Network string `mapstructure:"network"`

	// ClientID is the identifier sent in server.version.
	ClientID string `mapstructure:"clientId"`

	// TCPProxyURL and SSLProxyURL are the WSS endpoints of the tunneling
	// proxies for raw-stream peers. An empty value disables the transport.
	TCPProxyURL string `mapstructure:"tcpProxyUrl"`
	SSLProxyURL string `mapstructure:"sslProxyUrl"`

	LogLevel  string `mapstructure:"logLevel"`
	LogFormat string `mapstructure:"logFormat"`

	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	BlockTimeout     time.Duration `mapstructure:"blockTimeout"`
	PingInterval     time.Duration `mapstructure:"pingInterval"`
	PingTimeout      time.Duration `mapstructure:"pingTimeout"`

	Cache *CacheConfig `mapstructure:"cache"`
}

type CacheConfig struct {
	Engine string `mapstructure:"engine"`

	GoCache   *GoCacheConfig   `mapstructure:"goCache"`
	Freecache *FreecacheConfig `mapstructure:"freecache"`
	Redis     *RedisConfig     `mapstructure:"redis"`
}

type GoCacheConfig struct {
	Expiration time.Duration `mapstructure:"expiration"`
	Cleanup    time.Duration `mapstructure:"cleanup"`
}

type FreecacheConfig struct {
	Size int `mapstructure:"size"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}
