package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/inbox-payout/extract"
	"github.com/dhcgn/inbox-payout/payout"
	"github.com/dhcgn/inbox-payout/quote"
)

var (
	ErrMissingIMAP   = errors.New("imap host, user and password are required")
	ErrMissingSigner = errors.New("rpc url and private key are required when --dry-run=false")
)

// Mode selects which settings Validate insists on.
type Mode int

const (
	// ModeWatch runs the mailbox watcher and needs IMAP credentials.
	ModeWatch Mode = iota
	// ModeReplay reads messages from a file.
	ModeReplay
)

// Config captures all options required to run the watcher.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string

	SubjectMarker string
	Sender        string
	AmountLabels  []string
	PurposeLabels []string

	QuoteURL     string
	QuotePair    string
	QuoteTimeout time.Duration

	RPCURL      string
	PrivateKey  string
	FromAddress string
	GasLimit    uint64
	DryRun     bool
	JournalDir string

	ReconnectAttempts int
	MetricsAddr       string
	LogLevel          string
	LogDir            string
}

// envFallbacks maps flags to the environment variables consulted when the
// flag was neither given nor set in the config file.
var envFallbacks = map[string]string{
	"imap-host":    "IMAP_HOST",
	"imap-user":    "IMAP_USER",
	"imap-pass":    "IMAP_PASS",
	"rpc-url":      "PAYOUT_RPC_URL",
	"private-key":  "PAYOUT_PRIVATE_KEY",
	"from-address": "PAYOUT_FROM_ADDRESS",
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional TOML file; keys are flag names")
	flags.String("imap-host", "", "IMAP server hostname (falls back to IMAP_HOST)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (falls back to IMAP_USER)")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to watch")
	flags.String("subject-marker", "recibiste", "Subject prefix that marks a payment notification")
	flags.String("sender", "", "Only accept notifications from this address (empty accepts any)")
	flags.StringArray("amount-label", extract.DefaultAmountLabels, "Label of the amount field (repeatable)")
	flags.StringArray("purpose-label", extract.DefaultPurposeLabels, "Label of the purpose field (repeatable)")
	flags.String("quote-url", quote.DefaultBaseURL, "Base URL of the spot price API")
	flags.String("quote-pair", quote.DefaultPair, "Currency pair to quote")
	flags.Duration("quote-timeout", quote.DefaultTimeout, "Deadline for a single quote request")
	flags.String("rpc-url", "", "JSON-RPC endpoint of the payout chain (falls back to PAYOUT_RPC_URL)")
	flags.String("private-key", "", "Hex private key of the payout wallet (falls back to PAYOUT_PRIVATE_KEY)")
	flags.String("from-address", "", "Wallet address for dry-run preflight without a key (falls back to PAYOUT_FROM_ADDRESS)")
	flags.Uint64("gas-limit", 21000, "Gas limit for transfers (0 estimates)")
	flags.Bool("dry-run", true, "Run preflight checks but never submit transactions")
	flags.String("journal-dir", "", "Directory for the payout journal (empty keeps it in memory)")
	flags.Int("reconnect-attempts", 5, "Consecutive failed reconnects before giving up")
	flags.String("metrics-addr", "", "Listen address for Prometheus metrics (empty disables)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
}

// LoadConfig resolves every option with the precedence flag, config file,
// environment, flag default and validates the result for mode.
func LoadConfig(cmd *cobra.Command, mode Mode) (Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := applyFile(flags, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(flags, os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg, err := fromFlags(flags)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(mode); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile sets every flag the user did not pass explicitly from the TOML
// file at path.
func applyFile(flags *pflag.FlagSet, path string) error {
	values := map[string]any{}
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	for key, value := range values {
		flag := flags.Lookup(key)
		if flag == nil || key == "config" {
			return fmt.Errorf("config %s: unknown key %q", path, key)
		}
		if flag.Changed {
			continue
		}

		items, ok := value.([]any)
		if !ok {
			items = []any{value}
		}
		for _, item := range items {
			if err := flags.Set(key, fmt.Sprint(item)); err != nil {
				return fmt.Errorf("config %s: %s: %w", path, key, err)
			}
		}
	}
	return nil
}

func applyEnv(flags *pflag.FlagSet, lookup func(string) (string, bool)) error {
	for name, env := range envFallbacks {
		if flags.Changed(name) {
			continue
		}
		value, ok := lookup(env)
		if !ok || value == "" {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

func fromFlags(flags *pflag.FlagSet) (Config, error) {
	var (
		cfg  Config
		errs []error
	)
	str := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return strings.TrimSpace(v)
	}
	boolean := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)
		return v
	}
	integer := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)
		return v
	}
	array := func(name string) []string {
		v, err := flags.GetStringArray(name)
		errs = append(errs, err)
		return v
	}

	cfg.IMAPHost = str("imap-host")
	cfg.IMAPPort = integer("imap-port")
	cfg.IMAPUser = str("imap-user")
	cfg.IMAPPass = str("imap-pass")
	cfg.UseTLS = boolean("use-tls")
	cfg.InsecureSkipVerify = boolean("insecure-skip-verify")
	cfg.Mailbox = str("mailbox")
	cfg.SubjectMarker = str("subject-marker")
	cfg.Sender = str("sender")
	cfg.AmountLabels = array("amount-label")
	cfg.PurposeLabels = array("purpose-label")
	cfg.QuoteURL = str("quote-url")
	cfg.QuotePair = str("quote-pair")
	cfg.RPCURL = str("rpc-url")
	cfg.PrivateKey = strings.TrimPrefix(str("private-key"), "0x")
	cfg.FromAddress = str("from-address")
	cfg.DryRun = boolean("dry-run")
	cfg.JournalDir = str("journal-dir")
	cfg.ReconnectAttempts = integer("reconnect-attempts")
	cfg.MetricsAddr = str("metrics-addr")
	cfg.LogLevel = strings.ToLower(str("log-level"))
	cfg.LogDir = str("log-dir")

	timeout, err := flags.GetDuration("quote-timeout")
	errs = append(errs, err)
	cfg.QuoteTimeout = timeout
	gasLimit, err := flags.GetUint64("gas-limit")
	errs = append(errs, err)
	cfg.GasLimit = gasLimit

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.JournalDir != "" {
		cfg.JournalDir = filepath.Clean(cfg.JournalDir)
	}
	return cfg, nil
}

// Validate reports the first missing or invalid setting. Nothing has been
// dialed yet when it runs.
func (cfg Config) Validate(mode Mode) error {
	if mode == ModeWatch {
		if cfg.IMAPHost == "" || cfg.IMAPUser == "" || cfg.IMAPPass == "" {
			return fmt.Errorf("%w (--imap-host/--imap-user/--imap-pass or IMAP_HOST/IMAP_USER/IMAP_PASS)", ErrMissingIMAP)
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		if cfg.ReconnectAttempts < 0 {
			return fmt.Errorf("--reconnect-attempts must not be negative")
		}
	}
	if !cfg.DryRun && (cfg.RPCURL == "" || !cfg.HasSigner()) {
		return ErrMissingSigner
	}
	if cfg.FromAddress != "" && !common.IsHexAddress(cfg.FromAddress) {
		return fmt.Errorf("invalid --from-address: %s", cfg.FromAddress)
	}
	if cfg.SubjectMarker == "" {
		return fmt.Errorf("--subject-marker must not be empty")
	}
	if len(cfg.AmountLabels) == 0 || len(cfg.PurposeLabels) == 0 {
		return fmt.Errorf("at least one amount and one purpose label is required")
	}
	if cfg.QuoteTimeout <= 0 {
		return fmt.Errorf("--quote-timeout must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// ChainURL is the RPC endpoint used for preflight and submission.
func (cfg Config) ChainURL() string {
	if cfg.RPCURL != "" {
		return cfg.RPCURL
	}
	return payout.DefaultRPCURL
}

// HasSigner reports whether a wallet key is configured. Without one only a
// watch-only wallet can run preflight.
func (cfg Config) HasSigner() bool {
	return cfg.PrivateKey != ""
}

// WatchOnly reports whether preflight runs against FromAddress because no
// key is configured. The key wins when both are set.
func (cfg Config) WatchOnly() bool {
	return !cfg.HasSigner() && cfg.FromAddress != ""
}
