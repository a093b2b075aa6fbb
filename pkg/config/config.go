package config

import "time"

// ChatClient definition chat_client YAML structure
type ChatClient struct {
	// REST backend
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`

	// websocket transport
	WSURL                string        `mapstructure:"ws_url"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`

	// identity
	UserID   string `mapstructure:"user_id"`
	UserType string `mapstructure:"user_type"`
}

// Normalize 填入預設值，YAML 沒設定的欄位用行為規格的預設
func (c *ChatClient) Normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// StubServer definition stub_server YAML structure
type StubServer struct {
	Port      string `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}
