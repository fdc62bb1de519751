package config

import "time"

func getDefaultConfig() *Config {
	return &Config{
		Network:  "mainnet",
		ClientID: "bitlume-electrum/1.0",

		TCPProxyURL: "",
		SSLProxyURL: "",

		LogLevel:  "INFO",
		LogFormat: "text",

		HandshakeTimeout: 4 * time.Second,
		BlockTimeout:     4 * time.Second,
		PingInterval:     60 * time.Second,
		PingTimeout:      10 * time.Second,

		Cache: &CacheConfig{
			Engine: InMemory,
			GoCache: &GoCacheConfig{
				Expiration: 24 * time.Hour,
				Cleanup:    time.Hour,
			},
			Freecache: &FreecacheConfig{
				Size: 64 * 1024 * 1024,
			},
			Redis: &RedisConfig{
				Addr: "localhost:6379",
			},
		},
	}
}
