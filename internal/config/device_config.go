// Package config parses the on-disk device credentials file and persists
// the small JSON assignment record next to it.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigEmpty is returned when the device file has no content.
type ErrConfigEmpty struct{ Path string }

func (e *ErrConfigEmpty) Error() string {
	return fmt.Sprintf("device config %q is empty", e.Path)
}

// ErrConfigInvalid is returned when required keys are missing, listing all
// of them rather than failing on the first.
type ErrConfigInvalid struct {
	Path    string
	Missing []string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("device config %q is invalid: missing %s", e.Path, strings.Join(e.Missing, ", "))
}

// rawDeviceConfig mirrors the YAML shape loosely; unknown keys are kept via
// the Extras map so they can be merged back during provisioning.
type rawDeviceConfig struct {
	ProvisioningToken string `yaml:"provisioningToken"`
	ProvisioningTeam  string `yaml:"provisioningTeam"`
	ForgeURL          string `yaml:"forgeURL"`

	DeviceID         string `yaml:"deviceId"`
	Token            string `yaml:"token"`
	CredentialSecret string `yaml:"credentialSecret"`

	BrokerURL      string `yaml:"brokerURL"`
	BrokerUsername string `yaml:"brokerUsername"`
	BrokerPassword string `yaml:"brokerPassword"`

	HTTPNodeAuth *httpNodeAuthYAML `yaml:"httpNodeAuth"`

	Extras map[string]interface{} `yaml:",inline"`
}

type httpNodeAuthYAML struct {
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// HTTPNodeAuth is the pass-through auth block for the launched runtime's
// admin HTTP API.
type HTTPNodeAuth struct {
	User string
	Pass string
}

// DeviceConfig is the validated record derived from device.yml.
type DeviceConfig struct {
	ProvisioningMode bool

	// Populated regardless of mode.
	Token    string
	ForgeURL string

	// Provisioning-mode only.
	ProvisioningTeam string

	// Non-provisioning-mode only.
	DeviceID         string
	CredentialSecret string

	// Broker transport, optional in either mode.
	UseBroker      bool
	BrokerURL      string
	BrokerUsername string
	BrokerPassword string

	HTTPNodeAuth *HTTPNodeAuth

	// ProvisioningExtras preserves unrecognized keys so they can be merged
	// into the post-provisioning device file.
	ProvisioningExtras map[string]interface{}
}

// Load reads and validates the device credentials file at path.
func Load(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device config: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ErrConfigEmpty{Path: path}
	}

	var raw rawDeviceConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing device config: %w", err)
	}

	var missing []string
	cfg := &DeviceConfig{}

	if raw.ProvisioningToken != "" {
		cfg.ProvisioningMode = true
		cfg.Token = raw.ProvisioningToken
		cfg.ProvisioningTeam = raw.ProvisioningTeam
		cfg.ForgeURL = raw.ForgeURL
		if raw.ForgeURL == "" {
			missing = append(missing, "forgeURL")
		}
		if raw.ProvisioningTeam == "" {
			missing = append(missing, "provisioningTeam")
		}
		cfg.ProvisioningExtras = extrasExcluding(raw.Extras, "provisioningToken", "forgeURL", "provisioningTeam")
	} else {
		cfg.ProvisioningMode = false
		cfg.DeviceID = raw.DeviceID
		cfg.Token = raw.Token
		cfg.CredentialSecret = raw.CredentialSecret
		cfg.ForgeURL = raw.ForgeURL
		if raw.DeviceID == "" {
			missing = append(missing, "deviceId")
		}
		if raw.Token == "" {
			missing = append(missing, "token")
		}
		if raw.CredentialSecret == "" {
			missing = append(missing, "credentialSecret")
		}
		if raw.ForgeURL == "" {
			missing = append(missing, "forgeURL")
		}
	}

	if raw.BrokerURL != "" {
		cfg.UseBroker = true
		cfg.BrokerURL = raw.BrokerURL
		cfg.BrokerUsername = raw.BrokerUsername
		cfg.BrokerPassword = raw.BrokerPassword
		if raw.BrokerUsername == "" {
			missing = append(missing, "brokerUsername")
		}
		if raw.BrokerPassword == "" {
			missing = append(missing, "brokerPassword")
		}
	}

	if raw.HTTPNodeAuth != nil {
		var authMissing []string
		if raw.HTTPNodeAuth.User == "" {
			authMissing = append(authMissing, "httpNodeAuth.user")
		}
		if raw.HTTPNodeAuth.Pass == "" {
			authMissing = append(authMissing, "httpNodeAuth.pass")
		}
		missing = append(missing, authMissing...)
		cfg.HTTPNodeAuth = &HTTPNodeAuth{User: raw.HTTPNodeAuth.User, Pass: raw.HTTPNodeAuth.Pass}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ErrConfigInvalid{Path: path, Missing: missing}
	}

	return cfg, nil
}
