package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models guildhall.yml.
type Config struct {
	Association struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"association"`
	Registration struct {
		EventMaxPersons int `yaml:"event_max_persons"`
		PhoneMinLength  int `yaml:"phone_min_length"`
	} `yaml:"registration"`
	RBAC struct {
		Roles       map[string]RBACRole `yaml:"roles"`
		DefaultRole string              `yaml:"default_role"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Registration.EventMaxPersons == 0 {
		c.Registration.EventMaxPersons = 2
	}
	if c.Registration.PhoneMinLength == 0 {
		c.Registration.PhoneMinLength = 10
	}
	if c.RBAC.DefaultRole == "" {
		c.RBAC.DefaultRole = "member"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Association.ID == "" {
		return fmt.Errorf("config.association.id is required")
	}
	if c.Registration.EventMaxPersons < 1 {
		return fmt.Errorf("config.registration.event_max_persons must be at least 1")
	}
	if c.Registration.PhoneMinLength < 1 {
		return fmt.Errorf("config.registration.phone_min_length must be at least 1")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
		if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
			return fmt.Errorf("config.rbac.default_role %s not defined", c.RBAC.DefaultRole)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guildhall.yml")
}

// Default returns the default in-memory config for an association.
func Default(associationID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(associationID)))
	if err != nil {
		// The template is static; a parse failure is a programming error.
		panic(err)
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(associationID string) string {
	return fmt.Sprintf(defaultTemplate, associationID)
}

const defaultTemplate = `association:
  id: %s
  name: Film Directors Association
registration:
  event_max_persons: 2
  phone_min_length: 10
rbac:
  default_role: member
  roles:
    admin:
      description: Full control over members, films, subjects and registrations
      permissions:
        - member.verify
        - member.update
        - film.create
        - film.update
        - credit.certify
        - subject.create
        - subject.update
        - registration.confirm
        - apikey.manage
    clerk:
      description: Day-to-day content management
      permissions:
        - member.verify
        - credit.certify
        - subject.create
        - subject.update
        - registration.confirm
    member:
      description: Self-service member
      permissions: []
webhooks: []
`
