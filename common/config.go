// Copyright 2026 The multiview Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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
// Call Session Related Config

// CallSessionConfig defines the per call session operating parameters
type CallSessionConfig struct {
	// SubjectPrefix is the NATS subject prefix under which call events are received,
	// and media router commands are published
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// EventQueueDepth is the max number of call events buffered per session
	EventQueueDepth int `mapstructure:"event_queue_depth" json:"event_queue_depth" validate:"gte=1"`
	// EventSubmitTimeout is the max duration in seconds to wait for room in a session's
	// event queue
	EventSubmitTimeout int `mapstructure:"event_submit_timeout_sec" json:"event_submit_timeout_sec" validate:"gte=1"`
	// HeartbeatInterval is the duration between call keep-alive calls in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// KeepAliveTimeout is the max duration in seconds to wait for a keep-alive response
	KeepAliveTimeout int `mapstructure:"keep_alive_timeout_sec" json:"keep_alive_timeout_sec" validate:"gte=1"`
	// DefaultResolution is the receive resolution used when a session start does not
	// declare one
	DefaultResolution string `mapstructure:"default_resolution" json:"default_resolution" validate:"required,oneof=HD1080p HD720p SD360p SD180p"`
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
// Diagnostics Server Related Config

// DiagnosticsEndpointConfig defines diagnostics API endpoint config
type DiagnosticsEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the diagnostics APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is the path the Prometheus metrics are served on
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path" validate:"required"`
}

// DiagnosticsServerConfig defines configuration for the diagnostics API server
type DiagnosticsServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the diagnostics API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the diagnostics API server
	Endpoints DiagnosticsEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Session are the call session parameters
	Session CallSessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Diagnostics are the diagnostics API server configs
	Diagnostics *DiagnosticsServerConfig `mapstructure:"diagnostics,omitempty" json:"diagnostics,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default call session settings
	viper.SetDefault("session.subject_prefix", "multiview")
	viper.SetDefault("session.event_queue_depth", 64)
	viper.SetDefault("session.event_submit_timeout_sec", 5)
	viper.SetDefault("session.heartbeat_interval_sec", 600)
	viper.SetDefault("session.keep_alive_timeout_sec", 10)
	viper.SetDefault("session.default_resolution", "HD1080p")

	// Default diagnostics server settings
	viper.SetDefault("diagnostics.endpoint_config.path_prefix", "/")
	viper.SetDefault("diagnostics.endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("diagnostics.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("diagnostics.api_server.server_config.listen_port", 3000)
	viper.SetDefault("diagnostics.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("diagnostics.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("diagnostics.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"diagnostics.api_server.logging_config.request_id_header", "Multiview-Request-ID",
	)
	viper.SetDefault(
		"diagnostics.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
