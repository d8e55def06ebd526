package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envFallbacks {
		t.Setenv(env, "")
	}
}

func load(t *testing.T, mode Mode, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd, mode)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USER", "bot@example.com")
	t.Setenv("IMAP_PASS", "secret")

	cfg, err := load(t, ModeWatch)
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com", cfg.IMAPHost)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "INBOX", cfg.Mailbox)
	assert.Equal(t, "recibiste", cfg.SubjectMarker)
	assert.Equal(t, []string{"amount", "monto", "importe"}, cfg.AmountLabels)
	assert.Equal(t, []string{"reason", "motivo", "concepto"}, cfg.PurposeLabels)
	assert.Equal(t, 3*time.Second, cfg.QuoteTimeout)
	assert.Equal(t, uint64(21000), cfg.GasLimit)
	assert.True(t, cfg.DryRun)
	assert.False(t, cfg.HasSigner())
	assert.Equal(t, "https://lisk.drpc.org", cfg.ChainURL())
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_Precedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("IMAP_HOST", "env-host")
	t.Setenv("IMAP_USER", "env-user")
	t.Setenv("IMAP_PASS", "env-pass")

	path := writeFile(t, `
imap-host = "file-host"
imap-user = "file-user"
imap-port = 143
quote-timeout = "5s"
amount-label = ["total", "monto"]
`)

	cfg, err := load(t, ModeWatch, "--config", path, "--imap-host", "flag-host")
	require.NoError(t, err)

	assert.Equal(t, "flag-host", cfg.IMAPHost)
	assert.Equal(t, "file-user", cfg.IMAPUser)
	assert.Equal(t, "env-pass", cfg.IMAPPass)
	assert.Equal(t, 143, cfg.IMAPPort)
	assert.Equal(t, 5*time.Second, cfg.QuoteTimeout)
	assert.Equal(t, []string{"total", "monto"}, cfg.AmountLabels)
}

func TestLoadConfig_UnknownFileKey(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `imap-hots = "typo"`)

	_, err := load(t, ModeReplay, "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imap-hots")
}

func TestLoadConfig_Validation(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		mode    Mode
		args    []string
		wantErr error
		wantMsg string
	}{
		{
			name:    "watch requires imap",
			mode:    ModeWatch,
			args:    []string{"--imap-host", "h"},
			wantErr: ErrMissingIMAP,
		},
		{
			name: "replay does not need imap",
			mode: ModeReplay,
		},
		{
			name:    "live mode requires signer",
			mode:    ModeReplay,
			args:    []string{"--dry-run=false", "--rpc-url", "http://localhost:8545"},
			wantErr: ErrMissingSigner,
		},
		{
			name:    "live mode requires rpc url",
			mode:    ModeReplay,
			args:    []string{"--dry-run=false", "--private-key", "0xabc"},
			wantErr: ErrMissingSigner,
		},
		{
			name:    "invalid log level",
			mode:    ModeReplay,
			args:    []string{"--log-level", "verbose"},
			wantMsg: "invalid --log-level",
		},
		{
			name:    "bad port",
			mode:    ModeWatch,
			args:    []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "70000"},
			wantMsg: "--imap-port",
		},
		{
			name:    "zero quote timeout",
			mode:    ModeReplay,
			args:    []string{"--quote-timeout", "0s"},
			wantMsg: "--quote-timeout",
		},
		{
			name:    "watch-only address is not a signer",
			mode:    ModeReplay,
			args:    []string{"--dry-run=false", "--rpc-url", "http://localhost:8545", "--from-address", "0x70e1d904c1b50a4b77a38ffa4ec14217493484e3"},
			wantErr: ErrMissingSigner,
		},
		{
			name:    "malformed from address",
			mode:    ModeReplay,
			args:    []string{"--from-address", "0x70e1"},
			wantMsg: "invalid --from-address",
		},
		{
			name:    "empty marker",
			mode:    ModeReplay,
			args:    []string{"--subject-marker", " "},
			wantMsg: "--subject-marker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.mode, tt.args...)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.wantMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantMsg)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_Normalization(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYOUT_PRIVATE_KEY", "0xdeadbeef")

	cfg, err := load(t, ModeReplay, "--log-level", "WARNING", "--journal-dir", "state/../journal/")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "deadbeef", cfg.PrivateKey)
	assert.True(t, cfg.HasSigner())
	assert.Equal(t, "journal", cfg.JournalDir)
}

func TestLoadConfig_WatchOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAYOUT_FROM_ADDRESS", "0x70e1d904c1b50a4b77a38ffa4ec14217493484e3")

	cfg, err := load(t, ModeReplay)
	require.NoError(t, err)
	assert.Equal(t, "0x70e1d904c1b50a4b77a38ffa4ec14217493484e3", cfg.FromAddress)
	assert.False(t, cfg.HasSigner())
	assert.True(t, cfg.WatchOnly())

	cfg, err = load(t, ModeReplay, "--private-key", "0xdeadbeef")
	require.NoError(t, err)
	assert.False(t, cfg.WatchOnly())
}
