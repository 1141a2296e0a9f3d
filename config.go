package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind            string
	clientURL       string
	corsOrigin      string
	dbPath          string
	neynarAPIBase   string
	neynarAPIKey    string
	port            int
	prefix          string
	profile         bool
	requireProfile  bool
	resolverTimeout time.Duration
	sessionTimeout  time.Duration
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool
	webhookSessions bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	u, err := url.Parse(c.clientURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("invalid client url (must be absolute): %q", c.clientURL)
	}
	if c.requireProfile && c.neynarAPIKey == "" {
		return errors.New("--require-profile needs --neynar-api-key to be set")
	}
	if c.resolverTimeout <= 0 {
		return fmt.Errorf("invalid resolver timeout: %s", c.resolverTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// sessionURL builds the public client URL carrying a session identifier,
// used for both the composer form response and QR share codes.
func (c *Config) sessionURL(sessionID string) string {
	u, err := url.Parse(c.clientURL)
	if err != nil {
		return c.clientURL
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ARENALINK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "arenalink",
		Short:         "Session bridge between a Farcaster composer action and a browser game client.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: ARENALINK_BIND)")
	fs.StringVar(&cfg.clientURL, "client-url", "http://localhost:5173", "public URL of the game client, used in form responses and QR codes (env: ARENALINK_CLIENT_URL)")
	fs.StringVar(&cfg.corsOrigin, "cors-origin", "*", "value for Access-Control-Allow-Origin on API responses (env: ARENALINK_CORS_ORIGIN)")
	fs.StringVar(&cfg.dbPath, "db", "", "path to sqlite database for durable session records, empty disables persistence (env: ARENALINK_DB)")
	fs.StringVar(&cfg.neynarAPIBase, "neynar-api-base", "https://api.neynar.com/v2/farcaster", "base URL of the Farcaster identity API (env: ARENALINK_NEYNAR_API_BASE)")
	fs.StringVar(&cfg.neynarAPIKey, "neynar-api-key", "", "API key for the Farcaster identity API (env: ARENALINK_NEYNAR_API_KEY)")
	fs.IntVarP(&cfg.port, "port", "p", 3000, "port to listen on (env: ARENALINK_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: ARENALINK_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: ARENALINK_PROFILE)")
	fs.BoolVar(&cfg.requireProfile, "require-profile", false, "fail composer submissions when identity resolution fails (env: ARENALINK_REQUIRE_PROFILE)")
	fs.DurationVar(&cfg.resolverTimeout, "resolver-timeout", 5*time.Second, "timeout for outbound identity lookups (env: ARENALINK_RESOLVER_TIMEOUT)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle disconnected sessions are removed, 0 disables (env: ARENALINK_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: ARENALINK_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: ARENALINK_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: ARENALINK_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: ARENALINK_VERSION)")
	fs.BoolVar(&cfg.webhookSessions, "webhook-sessions", true, "allow a composer submission to create a session when none exists for its fid (env: ARENALINK_WEBHOOK_SESSIONS)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("arenalink v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
