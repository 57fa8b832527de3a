package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultListen         = ":8080"
	DefaultServer         = "ws://localhost:8080/ws"
	DefaultSTUN           = "stun:stun.l.google.com:19302"
	DefaultRoomIDs        = "uuid"
	DefaultSweepInterval  = 30 * time.Second
	DefaultMaxMessageSize = 64 * 1024
	DefaultSendBuffer     = 256

	DefaultReconnectBase        = 1 * time.Second
	DefaultReconnectCap         = 30 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultHeartbeatInterval    = 20 * time.Second
	DefaultDisconnectGrace      = 5 * time.Second
	DefaultMaxPendingCandidates = 64
	DefaultCandidateTTL         = 30 * time.Second
	DefaultMaxICERestarts       = 5
)

// File is the optional YAML configuration file. Both commands read the same
// file and pick their own section.
type File struct {
	LogLevel string     `yaml:"log_level"`
	Relay    RelayFile  `yaml:"relay"`
	Client   ClientFile `yaml:"client"`
}

// RelayFile is the relay section of the configuration file.
type RelayFile struct {
	Listen         string        `yaml:"listen"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RoomIDs        string        `yaml:"room_ids"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ClientFile is the client section of the configuration file.
type ClientFile struct {
	Server               string        `yaml:"server"`
	STUN                 string        `yaml:"stun"`
	TURN                 string        `yaml:"turn"`
	TURNUser             string        `yaml:"turn_user"`
	TURNPass             string        `yaml:"turn_pass"`
	ForceRelay           bool          `yaml:"force_relay"`
	AutoCall             bool          `yaml:"auto_call"`
	DisplayName          string        `yaml:"display_name"`
	Reconnect            Reconnect     `yaml:"reconnect"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	DisconnectGrace      time.Duration `yaml:"disconnect_grace"`
	MaxPendingCandidates int           `yaml:"max_pending_candidates"`
	CandidateTTL         time.Duration `yaml:"candidate_ttl"`
	MaxICERestarts       int           `yaml:"max_ice_restarts"`
}

// Reconnect tunes the signaling reconnection schedule.
type Reconnect struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Relay holds the relay server configuration.
type Relay struct {
	Listen         string
	SweepInterval  time.Duration
	RoomIDs        string
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
	LogLevel       string
}

// RelayOptions carry CLI flag overrides for the relay.
type RelayOptions struct {
	ConfigFile    string
	Listen        string
	SweepInterval time.Duration
	RoomIDs       string
}

// Client holds the client configuration.
type Client struct {
	// Server is the relay websocket URL.
	Server string

	// ICE servers for WebRTC. STUNServer may list several URLs separated by
	// commas.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// AutoCall makes the client call every member that joins its room.
	AutoCall    bool
	DisplayName string

	Reconnect            Reconnect
	HeartbeatInterval    time.Duration
	DisconnectGrace      time.Duration
	MaxPendingCandidates int
	CandidateTTL         time.Duration
	MaxICERestarts       int
	LogLevel             string
}

// ClientOptions carry CLI flag overrides for the client.
type ClientOptions struct {
	ConfigFile string
	Server     string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	AutoCall   bool
	Name       string
}

// readFile loads the YAML file at path. An empty path yields an empty File.
func readFile(path string) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return f, nil
}

// LoadRelay reads relay configuration with the following priority:
// 1. CLI flags (passed via RelayOptions) - highest priority
// 2. Environment variables
// 3. YAML config file
// 4. Hardcoded defaults - lowest priority
func LoadRelay(opts RelayOptions) (*Relay, error) {
	f, err := readFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	cfg := &Relay{
		Listen:         pick(opts.Listen, os.Getenv("FR_LISTEN"), f.Relay.Listen, DefaultListen),
		SweepInterval:  pickDuration(opts.SweepInterval, f.Relay.SweepInterval, DefaultSweepInterval),
		RoomIDs:        pick(opts.RoomIDs, f.Relay.RoomIDs, DefaultRoomIDs),
		MaxMessageSize: f.Relay.MaxMessageSize,
		SendBuffer:     pickInt(f.Relay.SendBuffer, DefaultSendBuffer),
		AllowedOrigins: f.Relay.AllowedOrigins,
		LogLevel:       pick(os.Getenv("LOG_LEVEL"), f.LogLevel),
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return cfg, nil
}

// LoadClient reads client configuration with the same priority as LoadRelay.
func LoadClient(opts ClientOptions) (*Client, error) {
	f, err := readFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	c := f.Client

	cfg := &Client{
		Server:      pick(opts.Server, os.Getenv("FR_SERVER"), c.Server, DefaultServer),
		STUNServer:  pick(opts.STUNServer, os.Getenv("STUN_SERVER"), c.STUN, DefaultSTUN),
		TURNServer:  pick(opts.TURNServer, os.Getenv("TURN_SERVER"), c.TURN),
		TURNUser:    pick(opts.TURNUser, os.Getenv("TURN_USERNAME"), c.TURNUser),
		TURNPass:    pick(opts.TURNPass, os.Getenv("TURN_PASSWORD"), c.TURNPass),
		ForceRelay:  opts.ForceRelay || c.ForceRelay,
		AutoCall:    opts.AutoCall || c.AutoCall,
		DisplayName: pick(opts.Name, os.Getenv("FR_NAME"), c.DisplayName, defaultDisplayName()),
		Reconnect: Reconnect{
			Base:        pickDuration(c.Reconnect.Base, DefaultReconnectBase),
			Cap:         pickDuration(c.Reconnect.Cap, DefaultReconnectCap),
			MaxAttempts: pickInt(c.Reconnect.MaxAttempts, DefaultReconnectMaxAttempts),
		},
		HeartbeatInterval:    pickDuration(c.HeartbeatInterval, DefaultHeartbeatInterval),
		DisconnectGrace:      pickDuration(c.DisconnectGrace, DefaultDisconnectGrace),
		MaxPendingCandidates: pickInt(c.MaxPendingCandidates, DefaultMaxPendingCandidates),
		CandidateTTL:         pickDuration(c.CandidateTTL, DefaultCandidateTTL),
		MaxICERestarts:       pickInt(c.MaxICERestarts, DefaultMaxICERestarts),
		LogLevel:             pick(os.Getenv("LOG_LEVEL"), f.LogLevel),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("invalid server url %q: %w", c.Server, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid server url %q: scheme must be ws or wss", c.Server)
	}
	if c.TURNServer != "" && (c.TURNUser == "" || c.TURNPass == "") {
		return errors.New("turn server configured without credentials")
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		return fmt.Errorf("reconnect cap %s below base %s", c.Reconnect.Cap, c.Reconnect.Base)
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Client) GetSTUNServers() []string {
	var servers []string
	for _, s := range strings.Split(c.STUNServer, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// GetTURNServers returns TURN server URLs if configured. A bare host is
// expanded to the usual udp, tcp and tls endpoints.
func (c *Client) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	if strings.ContainsAny(host, ":?") {
		return []string{c.TURNServer}
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Client) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "guest"
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func pickDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func pickInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
