package server

const DefaultAddr = "127.0.0.1:8490"

type Config struct {
	HTTP  HTTPConfig
	Store StoreConfig
	ACL   ACLConfig
	Relay RelayConfig
}

type HTTPConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is one of "sqlite", "s3", "memory".
	Backend string

	// sqlite
	Path string

	// s3
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type ACLConfig struct {
	Namespace string
	Topic     string
}

// RelayConfig attaches this process to another server's change-bus relay.
// With an empty URL the server hosts its own relay hub instead.
type RelayConfig struct {
	// URL is the peer relay endpoint, e.g. ws://host:port/v1/events.
	URL string
}
