package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Broker Related Config

// BrokerConfig defines the durable broker topic / queue parameters
type BrokerConfig struct {
	// Topic is the broker topic completion events are published on
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// Stream is the durable stream backing the topic
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// Queue is the durable queue (consumer) name this node pulls from
	Queue string `mapstructure:"queue" json:"queue" validate:"required"`
	// MaxReceive is the max receive count before the broker dead-letters a message
	MaxReceive int `mapstructure:"max_receive" json:"max_receive" validate:"gte=1"`
	// VisibilityTimeout is the per-receive visibility window in seconds
	VisibilityTimeout int `mapstructure:"visibility_timeout_sec" json:"visibility_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Queue Consumer Related Config

// ConsumerConfig defines the queue consumer worker pool parameters
type ConsumerConfig struct {
	// Workers is the number of independent consumer workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// BatchSize is the max number of messages fetched per receive
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=1"`
	// DispatchTimeout is the max duration of one dispatch attempt in seconds
	DispatchTimeout int `mapstructure:"dispatch_timeout_sec" json:"dispatch_timeout_sec" validate:"gte=1"`
	// ShutdownGrace is the max duration to finish in-flight messages on stop in seconds
	ShutdownGrace int `mapstructure:"shutdown_grace_sec" json:"shutdown_grace_sec" validate:"gte=1"`
}

// ===============================================================================
// Deduplication Store Related Config

// DedupConfig defines the deduplication store parameters
type DedupConfig struct {
	// Backend selects the store implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory sqlite"`
	// Shards is the number of lock shards for the in-memory backend
	Shards int `mapstructure:"shards" json:"shards" validate:"gte=1"`
	// Retention is how long delivery records are kept in seconds. Should cover
	// the broker's maximum redelivery span.
	Retention int `mapstructure:"retention_sec" json:"retention_sec" validate:"gte=1"`
	// SweepInterval is the interval between expired record sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// Path is the sqlite database file path, required for the sqlite backend
	Path string `mapstructure:"path" json:"path" validate:"required_if=Backend sqlite"`
}

// ===============================================================================
// Connection Registry Related Config

// RegistryConfig defines the connection registry parameters
type RegistryConfig struct {
	// Shards is the number of lock shards for the subject index
	Shards int `mapstructure:"shards" json:"shards" validate:"gte=1"`
	// HeartbeatTimeout is the max duration without a heartbeat before a
	// session is considered stale in seconds
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" validate:"gte=1"`
	// SweepInterval is the interval between stale session sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Offline Buffer Related Config

// BufferConfig defines the offline notification buffer parameters
type BufferConfig struct {
	// MaxPerSubject is the max buffered events held per subject
	MaxPerSubject int `mapstructure:"max_per_subject" json:"max_per_subject" validate:"gte=1"`
	// TTL is how long a buffered event stays eligible for catch-up in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
	// SweepInterval is the interval between expired entry sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SessionConfig defines per-session websocket parameters
type SessionConfig struct {
	// MaxInboundMsgSize is the max inbound control message size in bytes
	MaxInboundMsgSize int64 `mapstructure:"max_inbound_msg_size" json:"max_inbound_msg_size" validate:"gte=64"`
	// WriteTimeout is the max duration of one outbound write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PongTimeout is the max duration to wait for a pong reply in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gte=1"`
	// SendBuffer is the per-session outbound message buffer depth
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
}

// GatewayServerConfig defines configuration for the session gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the per-session websocket parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Broker is the durable broker parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Consumer is the queue consumer parameters
	Consumer ConsumerConfig `mapstructure:"consumer" json:"consumer" validate:"required,dive"`
	// Dedup is the deduplication store parameters
	Dedup DedupConfig `mapstructure:"dedup" json:"dedup" validate:"required,dive"`
	// Registry is the connection registry parameters
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Buffer is the offline buffer parameters
	Buffer BufferConfig `mapstructure:"buffer" json:"buffer" validate:"required,dive"`
}

// ===============================================================================
// Publisher Server Related Config

// PublisherServerConfig defines configuration for the status publisher server
type PublisherServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the publisher server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the publisher server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Broker is the durable broker parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// DatabasePath is the sqlite file holding job status and the outbox
	DatabasePath string `mapstructure:"database_path" json:"database_path" validate:"required"`
	// RelayInterval is the interval between outbox drain passes in seconds
	RelayInterval int `mapstructure:"relay_interval_sec" json:"relay_interval_sec" validate:"gte=1"`
	// RelayBatchSize is the max outbox rows drained per pass
	RelayBatchSize int `mapstructure:"relay_batch_size" json:"relay_batch_size" validate:"gte=1"`
	// ReconcileSchedule is a cron expression for the stale outbox row sweep
	ReconcileSchedule string `mapstructure:"reconcile_schedule" json:"reconcile_schedule" validate:"required"`
	// ReconcileAfter is the age after which an unpublished row is republished in seconds
	ReconcileAfter int `mapstructure:"reconcile_after_sec" json:"reconcile_after_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either gateway or publisher server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Gateway are the session gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
	// Publisher are the status publisher server configs
	Publisher *PublisherServerConfig `mapstructure:"publisher,omitempty" json:"publisher,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("gateway.api_server.logging_config.request_id_header", "Jobrelay-Request-ID")
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.session.max_inbound_msg_size", 4096)
	viper.SetDefault("gateway.session.write_timeout_sec", 10)
	viper.SetDefault("gateway.session.pong_timeout_sec", 60)
	viper.SetDefault("gateway.session.send_buffer", 64)
	viper.SetDefault("gateway.broker.topic", "jobs.completion")
	viper.SetDefault("gateway.broker.stream", "JOB_COMPLETION")
	viper.SetDefault("gateway.broker.queue", "notification-delivery")
	viper.SetDefault("gateway.broker.max_receive", 3)
	viper.SetDefault("gateway.broker.visibility_timeout_sec", 30)
	viper.SetDefault("gateway.consumer.workers", 4)
	viper.SetDefault("gateway.consumer.batch_size", 16)
	viper.SetDefault("gateway.consumer.dispatch_timeout_sec", 10)
	viper.SetDefault("gateway.consumer.shutdown_grace_sec", 15)
	viper.SetDefault("gateway.dedup.backend", "memory")
	viper.SetDefault("gateway.dedup.shards", 16)
	viper.SetDefault("gateway.dedup.retention_sec", 900)
	viper.SetDefault("gateway.dedup.sweep_interval_sec", 60)
	viper.SetDefault("gateway.registry.shards", 32)
	viper.SetDefault("gateway.registry.heartbeat_timeout_sec", 90)
	viper.SetDefault("gateway.registry.sweep_interval_sec", 30)
	viper.SetDefault("gateway.buffer.max_per_subject", 16)
	viper.SetDefault("gateway.buffer.ttl_sec", 300)
	viper.SetDefault("gateway.buffer.sweep_interval_sec", 60)

	// Default Publisher server settings
	viper.SetDefault("publisher.endpoint_config.path_prefix", "/")
	viper.SetDefault("publisher.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("publisher.api_server.server_config.listen_port", 3001)
	viper.SetDefault("publisher.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("publisher.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("publisher.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("publisher.api_server.logging_config.request_id_header", "Jobrelay-Request-ID")
	viper.SetDefault(
		"publisher.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("publisher.broker.topic", "jobs.completion")
	viper.SetDefault("publisher.broker.stream", "JOB_COMPLETION")
	viper.SetDefault("publisher.broker.queue", "notification-delivery")
	viper.SetDefault("publisher.broker.max_receive", 3)
	viper.SetDefault("publisher.broker.visibility_timeout_sec", 30)
	viper.SetDefault("publisher.database_path", "jobrelay-publisher.db")
	viper.SetDefault("publisher.relay_interval_sec", 2)
	viper.SetDefault("publisher.relay_batch_size", 64)
	viper.SetDefault("publisher.reconcile_schedule", "@every 1m")
	viper.SetDefault("publisher.reconcile_after_sec", 60)
}
