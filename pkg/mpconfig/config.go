// Package mpconfig resolves Credentials and runtime settings from the
// environment first, then an optional YAML file, following the teacher's
// simple_loader.go pattern of ${VAR} substitution over a YAML document.
package mpconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
)

// Env var names read by FromEnvironment (spec §6).
const (
	EnvUsername  = "MP_USERNAME"
	EnvSecret    = "MP_SECRET"
	EnvProjectID = "MP_PROJECT_ID"
	EnvRegion    = "MP_REGION"
)

// File is the on-disk shape of a YAML config, mirroring the env vars so a
// team can commit a non-secret template and inject the secret via ${VAR}.
type File struct {
	Username  string `yaml:"username"`
	Secret    string `yaml:"secret"`
	ProjectID string `yaml:"project_id"`
	Region    string `yaml:"region"`
}

// LoadDotEnv loads a .env file into the process environment if present,
// silently doing nothing when the file is absent. Call this before
// FromEnvironment so MP_* variables can live in a local .env during
// development, matching the teacher's use of godotenv in cmd bootstrapping.
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// FromEnvironment builds Credentials from MP_USERNAME/MP_SECRET/
// MP_PROJECT_ID/MP_REGION. It returns an error naming the missing variable
// rather than constructing partial Credentials.
func FromEnvironment() (mixpanel.Credentials, error) {
	account := os.Getenv(EnvUsername)
	secret := os.Getenv(EnvSecret)
	projectID := os.Getenv(EnvProjectID)
	region := os.Getenv(EnvRegion)

	var missing []string
	if account == "" {
		missing = append(missing, EnvUsername)
	}
	if secret == "" {
		missing = append(missing, EnvSecret)
	}
	if projectID == "" {
		missing = append(missing, EnvProjectID)
	}
	if len(missing) > 0 {
		return mixpanel.Credentials{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	return mixpanel.NewCredentials(account, secret, projectID, mixpanel.Region(region)), nil
}

// LoadFile reads a YAML config from filePath, substituting ${VAR} references
// against the process environment before parsing.
func LoadFile(filePath string) (File, error) {
	var f File
	data, err := os.ReadFile(filePath)
	if err != nil {
		return f, fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return f, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return f, nil
}

// Credentials converts a File into Credentials, defaulting Region to US.
func (f File) Credentials() mixpanel.Credentials {
	return mixpanel.NewCredentials(f.Username, f.Secret, f.ProjectID, mixpanel.Region(f.Region))
}

// Resolve tries FromEnvironment first, falling back to filePath when set
// and the environment is incomplete. Environment values always take
// precedence over file values when both are present (spec §6).
func Resolve(filePath string) (mixpanel.Credentials, error) {
	creds, err := FromEnvironment()
	if err == nil {
		return creds, nil
	}
	if filePath == "" {
		return mixpanel.Credentials{}, err
	}

	f, fileErr := LoadFile(filePath)
	if fileErr != nil {
		return mixpanel.Credentials{}, fmt.Errorf("environment incomplete (%v) and config file failed: %w", err, fileErr)
	}

	merged := f
	if v := os.Getenv(EnvUsername); v != "" {
		merged.Username = v
	}
	if v := os.Getenv(EnvSecret); v != "" {
		merged.Secret = v
	}
	if v := os.Getenv(EnvProjectID); v != "" {
		merged.ProjectID = v
	}
	if v := os.Getenv(EnvRegion); v != "" {
		merged.Region = v
	}

	if merged.Username == "" || merged.Secret == "" || merged.ProjectID == "" {
		return mixpanel.Credentials{}, fmt.Errorf("incomplete credentials after merging environment and %s", filePath)
	}
	return merged.Credentials(), nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values,
// same loop as the teacher's pkg/config simple_loader, inlined here since
// this package doesn't otherwise need a shared config-loading dependency.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}
