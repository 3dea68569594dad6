// Copyright 2024-2026 Aiku AI

package supervisor

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/devbot/pkg/supervisor/notify"
)

//go:embed example-config.yaml
var ExampleConfig string

const defaultAdminAPIAddr = ":29320"

// Config holds the whole devbot configuration.
type Config struct {
	Gateway    GatewayConfig     `yaml:"gateway"`
	Session    SessionConfig     `yaml:"session"`
	Supervisor SupervisorConfig  `yaml:"supervisor"`
	Shutdown   ShutdownConfig    `yaml:"shutdown"`
	AdminAPI   AdminAPIConfig    `yaml:"admin_api"`
	Notify     NotifyConfig      `yaml:"notify"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type GatewayConfig struct {
	URL        string `yaml:"url"`
	ClientName string `yaml:"client_name"`
	PrintQR    bool   `yaml:"print_qr"`
}

type SessionConfig struct {
	Path string `yaml:"path"`
}

// SupervisorConfig is the reconnect and recovery policy.
type SupervisorConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	CloseTimeout          time.Duration `yaml:"close_timeout"`
	ConflictBaseDelay     time.Duration `yaml:"conflict_base_delay"`
	MaxConflictAttempts   int           `yaml:"max_conflict_attempts"`
	MaxConflictDelay      time.Duration `yaml:"max_conflict_delay"`
	FullResetDelay        time.Duration `yaml:"full_reset_delay"`
	BadMACDelay           time.Duration `yaml:"bad_mac_delay"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	SessionErrorThreshold int           `yaml:"session_error_threshold"`
	StubWindow            time.Duration `yaml:"stub_window"`
	StubThreshold         int           `yaml:"stub_threshold"`
	ConflictHintAfter     int           `yaml:"conflict_hint_after"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

type AdminAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type NotifyConfig struct {
	Timeout    time.Duration   `yaml:"timeout"`
	Presence   bool            `yaml:"presence"`
	Messages   notify.Messages `yaml:"messages"`
	Mattermost struct {
		Enabled                 bool `yaml:"enabled"`
		notify.MattermostConfig `yaml:",inline"`
	} `yaml:"mattermost"`
	Matrix struct {
		Enabled             bool `yaml:"enabled"`
		notify.MatrixConfig `yaml:",inline"`
	} `yaml:"matrix"`
}

// DefaultSupervisorConfig returns the policy used for unset fields.
func DefaultSupervisorConfig() SupervisorConfig {
	b := DefaultBackoff()
	return SupervisorConfig{
		ConnectTimeout:        60 * time.Second,
		CloseTimeout:          5 * time.Second,
		ConflictBaseDelay:     b.ConflictBaseDelay,
		MaxConflictAttempts:   b.MaxConflictAttempts,
		FullResetDelay:        b.FullResetDelay,
		BadMACDelay:           b.BadMACDelay,
		RetryDelay:            b.RetryDelay,
		SessionErrorThreshold: 2,
		StubWindow:            30 * time.Second,
		StubThreshold:         5,
		ConflictHintAfter:     3,
	}
}

// Backoff returns the backoff described by the config.
func (c SupervisorConfig) Backoff() Backoff {
	return Backoff{
		ConflictBaseDelay:   c.ConflictBaseDelay,
		MaxConflictAttempts: c.MaxConflictAttempts,
		MaxDelay:            c.MaxConflictDelay,
		FullResetDelay:      c.FullResetDelay,
		BadMACDelay:         c.BadMACDelay,
		RetryDelay:          c.RetryDelay,
	}
}

// withDefaults fills zero fields from DefaultSupervisorConfig. Negative
// values are left alone so PostProcess can reject them.
func (c SupervisorConfig) withDefaults() SupervisorConfig {
	def := DefaultSupervisorConfig()
	setDuration := func(v *time.Duration, d time.Duration) {
		if *v == 0 {
			*v = d
		}
	}
	setInt := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	setDuration(&c.ConnectTimeout, def.ConnectTimeout)
	setDuration(&c.CloseTimeout, def.CloseTimeout)
	setDuration(&c.ConflictBaseDelay, def.ConflictBaseDelay)
	setDuration(&c.FullResetDelay, def.FullResetDelay)
	setDuration(&c.BadMACDelay, def.BadMACDelay)
	setDuration(&c.RetryDelay, def.RetryDelay)
	setDuration(&c.StubWindow, def.StubWindow)
	setInt(&c.MaxConflictAttempts, def.MaxConflictAttempts)
	setInt(&c.SessionErrorThreshold, def.SessionErrorThreshold)
	setInt(&c.StubThreshold, def.StubThreshold)
	setInt(&c.ConflictHintAfter, def.ConflictHintAfter)
	return c
}

func (c SupervisorConfig) validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"connect_timeout":     c.ConnectTimeout,
		"close_timeout":       c.CloseTimeout,
		"conflict_base_delay": c.ConflictBaseDelay,
		"max_conflict_delay":  c.MaxConflictDelay,
		"full_reset_delay":    c.FullResetDelay,
		"bad_mac_delay":       c.BadMACDelay,
		"retry_delay":         c.RetryDelay,
		"stub_window":         c.StubWindow,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("supervisor.%s must not be negative", name))
		}
	}
	if c.MaxConflictAttempts < 1 {
		errs = append(errs, errors.New("supervisor.max_conflict_attempts must be at least 1"))
	}
	if c.SessionErrorThreshold < 1 {
		errs = append(errs, errors.New("supervisor.session_error_threshold must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults, applies environment fallbacks and validates.
func (c *Config) PostProcess() error {
	c.Supervisor = c.Supervisor.withDefaults()
	if c.Shutdown.GracePeriod <= 0 {
		c.Shutdown.GracePeriod = 2 * time.Second
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Session.Path == "" {
		c.Session.Path = "./auth_info"
	}
	if c.AdminAPI.Addr == "" {
		c.AdminAPI.Addr = os.Getenv("DEVBOT_ADMIN_API_ADDR")
	}
	if c.AdminAPI.Addr == "" {
		c.AdminAPI.Addr = defaultAdminAPIAddr
	}
	if c.Notify.Mattermost.Token == "" {
		c.Notify.Mattermost.Token = os.Getenv("DEVBOT_MATTERMOST_TOKEN")
	}
	if c.Notify.Matrix.AccessToken == "" {
		c.Notify.Matrix.AccessToken = os.Getenv("DEVBOT_MATRIX_ACCESS_TOKEN")
	}

	errs := []error{c.Supervisor.validate()}
	if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("gateway.url must be a ws:// or wss:// URL, got %q", c.Gateway.URL))
	}
	if c.Notify.Mattermost.Enabled && (c.Notify.Mattermost.ServerURL == "" || c.Notify.Mattermost.ChannelID == "") {
		errs = append(errs, errors.New("notify.mattermost needs server_url and channel_id when enabled"))
	}
	if c.Notify.Matrix.Enabled && (c.Notify.Matrix.HomeserverURL == "" || c.Notify.Matrix.RoomID == "") {
		errs = append(errs, errors.New("notify.matrix needs homeserver_url and room_id when enabled"))
	}
	return errors.Join(errs...)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "gateway", "url")
	helper.Copy(up.Str, "gateway", "client_name")
	helper.Copy(up.Bool, "gateway", "print_qr")

	helper.Copy(up.Str, "session", "path")

	helper.Copy(up.Str, "supervisor", "connect_timeout")
	helper.Copy(up.Str, "supervisor", "close_timeout")
	helper.Copy(up.Str, "supervisor", "conflict_base_delay")
	helper.Copy(up.Int, "supervisor", "max_conflict_attempts")
	helper.Copy(up.Str, "supervisor", "max_conflict_delay")
	helper.Copy(up.Str, "supervisor", "full_reset_delay")
	helper.Copy(up.Str, "supervisor", "bad_mac_delay")
	helper.Copy(up.Str, "supervisor", "retry_delay")
	helper.Copy(up.Int, "supervisor", "session_error_threshold")
	helper.Copy(up.Str, "supervisor", "stub_window")
	helper.Copy(up.Int, "supervisor", "stub_threshold")
	helper.Copy(up.Int, "supervisor", "conflict_hint_after")

	helper.Copy(up.Str, "shutdown", "grace_period")

	helper.Copy(up.Bool, "admin_api", "enabled")
	helper.Copy(up.Str, "admin_api", "addr")

	helper.Copy(up.Str, "notify", "timeout")
	helper.Copy(up.Bool, "notify", "presence")
	helper.Copy(up.Str, "notify", "messages", "online")
	helper.Copy(up.Str, "notify", "messages", "offline")
	helper.Copy(up.Bool, "notify", "mattermost", "enabled")
	helper.Copy(up.Str, "notify", "mattermost", "server_url")
	helper.Copy(up.Str|up.Null, "notify", "mattermost", "token")
	helper.Copy(up.Str|up.Null, "notify", "mattermost", "channel_id")
	helper.Copy(up.Bool, "notify", "matrix", "enabled")
	helper.Copy(up.Str, "notify", "matrix", "homeserver_url")
	helper.Copy(up.Str, "notify", "matrix", "user_id")
	helper.Copy(up.Str|up.Null, "notify", "matrix", "access_token")
	helper.Copy(up.Str|up.Null, "notify", "matrix", "room_id")

	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader merges a user config onto the embedded example config.
func ConfigUpgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"session"},
			{"supervisor"},
			{"shutdown"},
			{"admin_api"},
			{"notify"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}
