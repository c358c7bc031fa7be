package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/tether/internal/util"
)

type Config struct {
	Device     Device     `json:"device"`
	Relay      Relay      `json:"relay"`
	Sync       Sync       `json:"sync"`
	Call       Call       `json:"call"`
	Pairing    Pairing    `json:"pairing"`
	Conditions Conditions `json:"conditions"`
	Storage    Storage    `json:"storage"`
	API        API        `json:"api"`
}

type Device struct {
	Platform    string `json:"platform"`     // android|macos|web
	DisplayName string `json:"display_name"` // shown on the paired peer
}

type Relay struct {
	// Base URL of the relay REST API, e.g. "https://relay.example.org".
	BaseURL string `json:"base_url"`

	// Path of the websocket event stream on the relay. Joined to BaseURL
	// with the scheme switched to ws/wss.
	WSPath string `json:"ws_path"`

	// Reconnect backoff bounds for the websocket loop.
	ReconnectMinSec int `json:"reconnect_min_sec"`
	ReconnectMaxSec int `json:"reconnect_max_sec"`

	// How long the websocket may stay down before CRITICAL/HIGH sync tasks
	// switch to active polling against the REST endpoints.
	FallbackAfterSec int `json:"fallback_after_sec"`

	// Page size for cursor polling of /messages.
	PollLimit int `json:"poll_limit"`
}

type Sync struct {
	MinIntervalSec      int `json:"min_interval_sec"`      // user recently active
	CriticalIntervalSec int `json:"critical_interval_sec"` // calls/messages, always fast
	ModerateIntervalSec int `json:"moderate_interval_sec"` // charging or wifi
	DefaultIntervalSec  int `json:"default_interval_sec"`
	MaxIntervalSec      int `json:"max_interval_sec"` // low battery, not charging

	// A user interaction younger than this keeps every task at min interval.
	ActivityWindowSec int `json:"activity_window_sec"`

	// Battery percentage below which non-CRITICAL tasks back off to max.
	LowBatteryPct int `json:"low_battery_pct"`

	// Battery percentage at or below which (without a charger) non-CRITICAL
	// tasks are cancelled outright instead of merely slowed down.
	SuspendBatteryPct int `json:"suspend_battery_pct"`

	// A recomputed interval must differ from the scheduled one by more than
	// this margin before the task is restarted.
	HysteresisSec int `json:"hysteresis_sec"`
}

type Call struct {
	// A call stuck in Connecting longer than this fails rather than hangs.
	ConnectingTimeoutSec int `json:"connecting_timeout_sec"`
}

type Pairing struct {
	// Upper bound on waiting for an e2ee_key_response after sending a
	// key-exchange request.
	KeyExchangeTimeoutSec int `json:"key_exchange_timeout_sec"`
}

type Conditions struct {
	// JSON file the host platform keeps refreshed with the current battery /
	// network / activity snapshot. Relative to the data directory.
	SnapshotFile string `json:"snapshot_file"`

	// Fallback poll interval for platforms without working file watches.
	PollSec int `json:"poll_sec"`
}

type Storage struct {
	// SQLite database path, relative to the data directory.
	DBPath string `json:"db_path"`

	// Capacity of the event-id dedup LRU.
	DedupCapacity int `json:"dedup_capacity"`
}

type API struct {
	// Loopback address of the local companion-UI API. Empty disables it.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Device: Device{
			Platform:    "macos",
			DisplayName: "tether",
		},
		Relay: Relay{
			BaseURL:          "",
			WSPath:           "/ws",
			ReconnectMinSec:  1,
			ReconnectMaxSec:  60,
			FallbackAfterSec: 15,
			PollLimit:        100,
		},
		Sync: Sync{
			MinIntervalSec:      2,
			CriticalIntervalSec: 3,
			ModerateIntervalSec: 300,
			DefaultIntervalSec:  600,
			MaxIntervalSec:      1800,
			ActivityWindowSec:   60,
			LowBatteryPct:       20,
			SuspendBatteryPct:   5,
			HysteresisSec:       5,
		},
		Call: Call{
			ConnectingTimeoutSec: 30,
		},
		Pairing: Pairing{
			KeyExchangeTimeoutSec: 30,
		},
		Conditions: Conditions{
			SnapshotFile: "data/conditions.json",
			PollSec:      30,
		},
		Storage: Storage{
			DBPath:        "data/tether.db",
			DedupCapacity: 4096,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8655",
			Debug:    false,
		},
	}
}

func (c *Config) Validate() error {
	// Device
	switch c.Device.Platform {
	case "android", "macos", "web":
	default:
		return errors.New("device.platform must be android, macos or web")
	}
	if strings.TrimSpace(c.Device.DisplayName) == "" {
		return errors.New("device.display_name is required")
	}

	// Relay
	if raw := strings.TrimSpace(c.Relay.BaseURL); raw != "" {
		if err := validateRelayURL(raw); err != nil {
			return fmt.Errorf("relay.base_url: %w", err)
		}
	}
	if !strings.HasPrefix(c.Relay.WSPath, "/") {
		return errors.New("relay.ws_path must start with /")
	}
	if c.Relay.ReconnectMinSec <= 0 {
		return errors.New("relay.reconnect_min_sec must be > 0")
	}
	if c.Relay.ReconnectMaxSec < c.Relay.ReconnectMinSec {
		return errors.New("relay.reconnect_max_sec must be >= relay.reconnect_min_sec")
	}
	if c.Relay.FallbackAfterSec <= 0 {
		return errors.New("relay.fallback_after_sec must be > 0")
	}
	if c.Relay.PollLimit <= 0 || c.Relay.PollLimit > 1000 {
		return errors.New("relay.poll_limit must be 1..1000")
	}

	// Sync tiers must be ordered: min <= critical <= moderate <= default <= max.
	s := c.Sync
	if s.MinIntervalSec <= 0 {
		return errors.New("sync.min_interval_sec must be > 0")
	}
	if s.CriticalIntervalSec < s.MinIntervalSec {
		return errors.New("sync.critical_interval_sec must be >= sync.min_interval_sec")
	}
	if s.ModerateIntervalSec < s.CriticalIntervalSec {
		return errors.New("sync.moderate_interval_sec must be >= sync.critical_interval_sec")
	}
	if s.DefaultIntervalSec < s.ModerateIntervalSec {
		return errors.New("sync.default_interval_sec must be >= sync.moderate_interval_sec")
	}
	if s.MaxIntervalSec < s.DefaultIntervalSec {
		return errors.New("sync.max_interval_sec must be >= sync.default_interval_sec")
	}
	if s.ActivityWindowSec <= 0 {
		return errors.New("sync.activity_window_sec must be > 0")
	}
	if s.LowBatteryPct < 0 || s.LowBatteryPct > 100 {
		return errors.New("sync.low_battery_pct must be 0..100")
	}
	if s.SuspendBatteryPct < 0 || s.SuspendBatteryPct > 100 {
		return errors.New("sync.suspend_battery_pct must be 0..100")
	}
	if s.SuspendBatteryPct > s.LowBatteryPct {
		return errors.New("sync.suspend_battery_pct must be <= sync.low_battery_pct")
	}
	if s.HysteresisSec < 0 {
		return errors.New("sync.hysteresis_sec must be >= 0")
	}

	// Call
	if c.Call.ConnectingTimeoutSec <= 0 {
		return errors.New("call.connecting_timeout_sec must be > 0")
	}

	// Pairing
	if c.Pairing.KeyExchangeTimeoutSec <= 0 {
		return errors.New("pairing.key_exchange_timeout_sec must be > 0")
	}

	// Conditions
	if strings.TrimSpace(c.Conditions.SnapshotFile) == "" {
		return errors.New("conditions.snapshot_file is required")
	}
	if c.Conditions.PollSec <= 0 {
		return errors.New("conditions.poll_sec must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Storage.DedupCapacity <= 0 {
		return errors.New("storage.dedup_capacity must be > 0")
	}

	// API
	if a := strings.TrimSpace(c.API.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return errors.New("api.http_addr must be host:port")
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if host := u.Hostname(); host == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
