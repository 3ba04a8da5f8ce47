// Package config loads haggle's TOML configuration.
package config

import (
	"encoding"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/agent"
	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/inventory"
)

var log = logging.Logger("haggle/config")

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.haggle/config.toml"

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

// Config is the whole configuration file.
type Config struct {
	Log     Log
	Metrics Metrics
	Buyer   Buyer
	Seller  Seller
	P2P     P2P

	// Sellers run by `haggle run`.
	Sellers []SellerSpec
}

type Log struct {
	Level string
	// File receives a copy of all log output when set.
	File string
}

type Metrics struct {
	// ListenAddress serves /metrics when set, e.g. "127.0.0.1:9464".
	ListenAddress string
}

type Buyer struct {
	DiscoveryInterval   Duration
	DiscoveryAttempts   int
	DiscoveryRetryDelay Duration
	QuotePollInterval   Duration
	QuoteWindow         Duration
}

type Seller struct {
	QuoteTTL      Duration
	SweepInterval Duration
}

type P2P struct {
	ListenAddresses []string
	// AnnounceInterval is how often sellers republish their directory entry.
	AnnounceInterval Duration
	// AnnounceTTL is how long a received entry stays valid.
	AnnounceTTL Duration
}

// SellerSpec is one seller and its opening inventory. Prices are decimal strings.
type SellerSpec struct {
	Name  string
	Items []inventory.Item
}

// Default returns the built-in configuration with the two demo sellers.
func Default() *Config {
	b := agent.DefaultBuyerConfig()
	s := agent.DefaultSellerConfig()
	return &Config{
		Log: Log{Level: "info"},
		Buyer: Buyer{
			DiscoveryInterval:   Duration(b.DiscoveryInterval),
			DiscoveryAttempts:   b.DiscoveryAttempts,
			DiscoveryRetryDelay: Duration(b.DiscoveryRetryDelay),
			QuotePollInterval:   Duration(b.QuotePollInterval),
			QuoteWindow:         Duration(b.QuoteWindow),
		},
		Seller: Seller{
			QuoteTTL:      Duration(s.QuoteTTL),
			SweepInterval: Duration(s.SweepInterval),
		},
		P2P: P2P{
			ListenAddresses:  []string{"/ip4/0.0.0.0/tcp/0"},
			AnnounceInterval: Duration(20 * time.Second),
			AnnounceTTL:      Duration(time.Minute),
		},
		Sellers: []SellerSpec{
			{
				Name: "Vendedor1",
				Items: []inventory.Item{
					item("Dom Casmurro", 3, "45.50", "40.00"),
					item("Memórias Póstumas de Brás Cubas", 2, "60.00", "55.00"),
				},
			},
			{
				Name: "Vendedor2",
				Items: []inventory.Item{
					item("Dom Casmurro", 2, "50.00", "45.00"),
					item("Iracema", 4, "40.00", "35.00"),
				},
			},
		},
	}
}

func item(title string, qty int, price, floor string) inventory.Item {
	return inventory.Item{
		Title:    title,
		Quantity: qty,
		Price:    decimal.RequireFromString(price),
		Floor:    decimal.RequireFromString(floor),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		log.Debugw("no config file, using defaults", "path", path)
		return Default(), nil
	case err != nil:
		return nil, xerrors.Errorf("opening config: %w", err)
	}
	defer file.Close() //nolint:errcheck // The file is RO

	cfg, err := FromReader(file)
	if err != nil {
		return nil, xerrors.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// FromReader decodes TOML from r over the defaults and validates the result.
func FromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	sellers := cfg.Sellers
	cfg.Sellers = nil // a file listing sellers replaces the defaults entirely

	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	if !md.IsDefined("Sellers") {
		cfg.Sellers = sellers
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Warnw("unknown config keys", "keys", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return nil
}

// Validate checks timings and seller inventories.
func (c *Config) Validate() error {
	if c.Buyer.DiscoveryAttempts < 1 {
		return xerrors.Errorf("Buyer.DiscoveryAttempts %d must be at least 1", c.Buyer.DiscoveryAttempts)
	}
	for name, d := range map[string]Duration{
		"Buyer.DiscoveryInterval": c.Buyer.DiscoveryInterval,
		"Buyer.QuotePollInterval": c.Buyer.QuotePollInterval,
		"Buyer.QuoteWindow":       c.Buyer.QuoteWindow,
		"Seller.QuoteTTL":         c.Seller.QuoteTTL,
		"Seller.SweepInterval":    c.Seller.SweepInterval,
	} {
		if d <= 0 {
			return xerrors.Errorf("%s must be positive", name)
		}
	}

	seen := make(map[string]struct{}, len(c.Sellers))
	for _, s := range c.Sellers {
		if s.Name == "" {
			return xerrors.New("seller with empty name")
		}
		if _, dup := seen[s.Name]; dup {
			return xerrors.Errorf("seller %q listed twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if _, err := inventory.New(s.Items...); err != nil {
			return xerrors.Errorf("seller %q: %w", s.Name, err)
		}
	}
	return nil
}

// BuyerConfig converts the buyer section for the agent package.
func (c *Config) BuyerConfig() agent.BuyerConfig {
	return agent.BuyerConfig{
		DiscoveryInterval:   time.Duration(c.Buyer.DiscoveryInterval),
		DiscoveryAttempts:   c.Buyer.DiscoveryAttempts,
		DiscoveryRetryDelay: time.Duration(c.Buyer.DiscoveryRetryDelay),
		QuotePollInterval:   time.Duration(c.Buyer.QuotePollInterval),
		QuoteWindow:         time.Duration(c.Buyer.QuoteWindow),
	}
}

// SellerConfig converts the seller section for the agent package.
func (c *Config) SellerConfig() agent.SellerConfig {
	return agent.SellerConfig{
		QuoteTTL:      time.Duration(c.Seller.QuoteTTL),
		SweepInterval: time.Duration(c.Seller.SweepInterval),
	}
}

// LogConfig converts the log section for core.SetupLogging.
func (c *Config) LogConfig() core.LogConfig {
	return core.LogConfig{Level: c.Log.Level, File: c.Log.File}
}
