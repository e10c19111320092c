package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"timeline_tracker/internal/domain"
)

type accountsFile struct {
	Accounts []AccountConfig `yaml:"accounts" validate:"required,min=1,dive"`
}

// AccountConfig is one entry of the accounts file. JSON files are accepted
// since JSON is valid YAML.
type AccountConfig struct {
	ID          string            `yaml:"id" validate:"required"`
	Name        string            `yaml:"name"`
	Enabled     *bool             `yaml:"enabled"`
	Credentials map[string]string `yaml:"credentials"`
	Cookies     map[string]string `yaml:"cookies"`
	Proxy       ProxySpec         `yaml:"proxy"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	CooldownMinutes   int           `yaml:"cooldown_minutes" validate:"gte=0"`
	Window            time.Duration `yaml:"window" validate:"gte=0"`
}

// ProxySpec accepts either the compact string form "host:port[:user:pass]"
// (or a URL) or a mapping with an enabled flag.
type ProxySpec struct {
	Raw      string `yaml:"-"`
	Enabled  bool   `yaml:"enabled"`
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (p *ProxySpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		p.Raw = node.Value
		p.Enabled = node.Value != ""
		return nil
	case yaml.MappingNode:
		type plain ProxySpec
		var v plain
		if err := node.Decode(&v); err != nil {
			return err
		}
		*p = ProxySpec(v)
		return nil
	default:
		return fmt.Errorf("line %d: proxy must be a string or a mapping", node.Line)
	}
}

// Proxy converts the configured proxy to a domain proxy; nil when disabled or empty.
func (p ProxySpec) Proxy() (*domain.Proxy, error) {
	if !p.Enabled {
		return nil, nil
	}
	if p.Raw != "" {
		return domain.ParseProxy(p.Raw)
	}
	if p.Host == "" {
		return nil, nil
	}
	if p.Port <= 0 || p.Port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %d", p.Port)
	}

	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return &domain.Proxy{
		Scheme:   scheme,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}, nil
}

// LoadAccounts reads the accounts file and converts it to domain accounts in
// file order.
func LoadAccounts(path string) ([]domain.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

func ParseAccounts(data []byte) ([]domain.Account, error) {
	var f accountsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("invalid accounts file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Accounts))
	accounts := make([]domain.Account, 0, len(f.Accounts))
	for i, ac := range f.Accounts {
		if _, dup := seen[ac.ID]; dup {
			return nil, fmt.Errorf("invalid accounts file: duplicate account id %q", ac.ID)
		}
		seen[ac.ID] = struct{}{}

		a, err := ac.toDomain()
		if err != nil {
			return nil, fmt.Errorf("account %d (%s): %w", i, ac.ID, err)
		}
		accounts = append(accounts, a)
	}

	if !anyEnabled(accounts) {
		return nil, errors.New("invalid accounts file: no enabled account")
	}
	return accounts, nil
}

func (ac AccountConfig) toDomain() (domain.Account, error) {
	px, err := ac.Proxy.Proxy()
	if err != nil {
		return domain.Account{}, err
	}

	creds := make(map[string]string, len(ac.Credentials)+len(ac.Cookies))
	maps.Copy(creds, ac.Cookies)
	maps.Copy(creds, ac.Credentials)

	rpm := ac.RateLimit.RequestsPerMinute
	if rpm == 0 {
		rpm = 30
	}
	window := ac.RateLimit.Window
	if window == 0 {
		window = time.Minute
	}
	cooldown := 5 * time.Minute
	if ac.RateLimit.CooldownMinutes > 0 {
		cooldown = time.Duration(ac.RateLimit.CooldownMinutes) * time.Minute
	}

	return domain.Account{
		ID:          ac.ID,
		Name:        ac.Name,
		Enabled:     ac.Enabled == nil || *ac.Enabled,
		Credentials: creds,
		Proxy:       px,
		RateLimit: domain.RateLimit{
			RequestsPerWindow: rpm,
			Window:            window,
			Cooldown:          cooldown,
		},
	}, nil
}

func anyEnabled(accounts []domain.Account) bool {
	for _, a := range accounts {
		if a.Enabled {
			return true
		}
	}
	return false
}
