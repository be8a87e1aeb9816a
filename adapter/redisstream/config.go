package redisstream

import (
	"time"
)

// Config controls the Redis Streams transport.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Username string
	Password string
	DB       int

	// TLS enables TLS with optional server name verification.
	TLS           bool
	TLSServerName string

	// Address is the transport's own input queue name.
	Address string

	// Group is the consumer group; defaults to "xsbus".
	Group string
	// Consumer is this endpoint's consumer name within the group; defaults
	// to the queue address.
	Consumer string

	// Block caps how long a Receive blocks waiting for a message.
	Block time.Duration

	// ClaimMinIdle is the pending-entry idle time after which messages
	// abandoned by dead consumers are claimed back. 0 disables claiming.
	ClaimMinIdle time.Duration

	// MaxLenApprox bounds each stream with approximate trimming; 0 keeps
	// streams unbounded.
	MaxLenApprox int64

	// DeleteOnAck removes acknowledged entries from the stream instead of
	// leaving them trimmed lazily.
	DeleteOnAck bool

	// KeyPrefix namespaces the stream keys; defaults to "xsbus:queue:".
	KeyPrefix string
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "xsbus"
	}
	if c.Consumer == "" {
		c.Consumer = c.Address
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "xsbus:queue:"
	}
	return c
}

func configFromMap(cfg map[string]any) Config {
	getStr := func(k string) string {
		v, _ := cfg[k].(string)
		return v
	}
	getInt := func(k string) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		default:
			return 0
		}
	}
	getBool := func(k string) bool {
		v, _ := cfg[k].(bool)
		return v
	}
	getDur := func(k string) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		case float64:
			return time.Duration(v)
		}
		return 0
	}

	return Config{
		Addr:          getStr("addr"),
		Username:      getStr("username"),
		Password:      getStr("password"),
		DB:            int(getInt("db")),
		TLS:           getBool("tls"),
		TLSServerName: getStr("tls_server_name"),
		Address:       getStr("address"),
		Group:         getStr("group"),
		Consumer:      getStr("consumer"),
		Block:         getDur("block"),
		ClaimMinIdle:  getDur("claim_min_idle"),
		MaxLenApprox:  getInt("max_len_approx"),
		DeleteOnAck:   getBool("delete_on_ack"),
		KeyPrefix:     getStr("key_prefix"),
	}
}
