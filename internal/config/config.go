package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderGraph = "graph"
	ProviderIMAP  = "imap"
)

type Config struct {
	HTTPPort     int           `mapstructure:"http_port"`
	LogLevel     string        `mapstructure:"log_level"`
	DatabaseDSN  string        `mapstructure:"database_dsn"`
	DocumentDSN  string        `mapstructure:"document_dsn"`
	AuthSecret   string        `mapstructure:"auth_secret"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	MailProvider string        `mapstructure:"mail_provider"`

	GraphClientID     string `mapstructure:"graph_client_id"`
	GraphClientSecret string `mapstructure:"graph_client_secret"`
	GraphTenantID     string `mapstructure:"graph_tenant_id"`
	GraphRedirectURL  string `mapstructure:"graph_redirect_url"`
	GraphScopes       string `mapstructure:"graph_scopes"`
	GraphBaseURL      string `mapstructure:"graph_base_url"`

	NotificationURL       string        `mapstructure:"notification_url"`
	SubscriptionTTL       time.Duration `mapstructure:"subscription_ttl"`
	NotificationQueueSize int           `mapstructure:"notification_queue_size"`

	PageSize      int    `mapstructure:"page_size"`
	MergePolicy   string `mapstructure:"merge_policy"`
	WatchDocument bool   `mapstructure:"watch_document"`

	IMAPAddr     string `mapstructure:"imap_addr"`
	IMAPUsername string `mapstructure:"imap_username"`
	IMAPPassword string `mapstructure:"imap_password"`
	IMAPSecurity string `mapstructure:"imap_security"`

	SMTPUpstreamAddr     string `mapstructure:"smtp_upstream_addr"`
	SMTPUpstreamUsername string `mapstructure:"smtp_upstream_username"`
	SMTPUpstreamPassword string `mapstructure:"smtp_upstream_password"`
	SMTPUpstreamSecurity string `mapstructure:"smtp_upstream_security"`

	SMTPRelayEnabled  bool   `mapstructure:"smtp_relay_enabled"`
	SMTPRelayHost     string `mapstructure:"smtp_relay_host"`
	SMTPPort          int    `mapstructure:"smtp_port"`
	SMTPRelayUsername string `mapstructure:"smtp_relay_username"`
	SMTPRelayPassword string `mapstructure:"smtp_relay_password"`
	SMTPRelayUserID   string `mapstructure:"smtp_relay_user_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 3025)
	v.SetDefault("log_level", "info")
	v.SetDefault("database_dsn", "sqlite://mailboxsync.db")
	v.SetDefault("document_dsn", "file://mail.json")
	v.SetDefault("auth_secret", "")
	v.SetDefault("cookie_secure", false)
	v.SetDefault("session_ttl", "168h")
	v.SetDefault("mail_provider", ProviderGraph)

	v.SetDefault("graph_client_id", "")
	v.SetDefault("graph_client_secret", "")
	v.SetDefault("graph_tenant_id", "common")
	v.SetDefault("graph_redirect_url", "http://localhost:3025/auth/callback")
	v.SetDefault("graph_scopes", "openid,profile,offline_access,User.Read,Mail.ReadWrite,Mail.Send")
	v.SetDefault("graph_base_url", "https://graph.microsoft.com/v1.0")

	v.SetDefault("notification_url", "")
	v.SetDefault("subscription_ttl", "15m")
	v.SetDefault("notification_queue_size", 256)

	v.SetDefault("page_size", 10)
	v.SetDefault("merge_policy", "first-wins")
	v.SetDefault("watch_document", false)

	v.SetDefault("imap_addr", "")
	v.SetDefault("imap_username", "")
	v.SetDefault("imap_password", "")
	v.SetDefault("imap_security", "tls")

	v.SetDefault("smtp_upstream_addr", "")
	v.SetDefault("smtp_upstream_username", "")
	v.SetDefault("smtp_upstream_password", "")
	v.SetDefault("smtp_upstream_security", "starttls")

	v.SetDefault("smtp_relay_enabled", false)
	v.SetDefault("smtp_relay_host", "127.0.0.1")
	v.SetDefault("smtp_port", 2025)
	v.SetDefault("smtp_relay_username", "")
	v.SetDefault("smtp_relay_password", "")
	v.SetDefault("smtp_relay_user_id", "")
}

// Load reads .env (if present), then environment variables and the
// optional YAML file named by CONFIG_FILE. Environment wins over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(os.Getenv("CONFIG_FILE"))
}

func load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.MailProvider = strings.ToLower(strings.TrimSpace(cfg.MailProvider))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.MailProvider {
	case ProviderGraph:
		if c.GraphClientID == "" {
			return errors.New("GRAPH_CLIENT_ID is required for the graph provider")
		}
	case ProviderIMAP:
		if c.IMAPAddr == "" || c.IMAPUsername == "" {
			return errors.New("IMAP_ADDR and IMAP_USERNAME are required for the imap provider")
		}
	default:
		return fmt.Errorf("unknown MAIL_PROVIDER %q", c.MailProvider)
	}
	for name, mode := range map[string]string{"IMAP_SECURITY": c.IMAPSecurity, "SMTP_UPSTREAM_SECURITY": c.SMTPUpstreamSecurity} {
		switch strings.ToLower(mode) {
		case "tls", "starttls", "none":
		default:
			return fmt.Errorf("%s must be tls, starttls or none, got %q", name, mode)
		}
	}
	if c.SMTPRelayEnabled && (c.SMTPRelayUsername == "" || c.SMTPRelayPassword == "") {
		return errors.New("SMTP_RELAY_USERNAME and SMTP_RELAY_PASSWORD are required when SMTP_RELAY_ENABLED is set")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	return nil
}

func (c Config) Scopes() []string {
	var scopes []string
	for _, scope := range strings.FieldsFunc(c.GraphScopes, func(r rune) bool { return r == ',' || r == ' ' }) {
		scopes = append(scopes, scope)
	}
	return scopes
}
