// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config describes the available configuration layout
type Config struct {
	Accounts []Account `yaml:"accounts"`
}

// Account defines one mailbox to archive. Immutable for the duration of a
// run.
type Account struct {
	Name        string `yaml:"name"`
	Server      string `yaml:"server"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"use_tls"`
	UseStartTLS bool   `yaml:"use_starttls"`

	// Archive is the root path of the local archive for this account.
	Archive string `yaml:"archive"`

	// Exclude holds newline-separated shell-glob patterns; matching
	// folders are never synchronized.
	Exclude string `yaml:"exclude"`

	// Incremental resumes from the stored per-folder watermarks.
	// Defaults to true.
	Incremental *bool `yaml:"incremental"`
}

// Load reads and validates a configuration file. Account order is preserved.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config file %s", path)
	}

	if len(cfg.Accounts) == 0 {
		return nil, errors.Errorf("no accounts defined in %s", path)
	}
	for i := range cfg.Accounts {
		if err := cfg.Accounts[i].validate(); err != nil {
			return nil, err
		}
		cfg.Accounts[i].Archive = expandPath(cfg.Accounts[i].Archive)
	}
	return cfg, nil
}

func (a *Account) validate() error {
	switch {
	case a.Name == "":
		return errors.New("account name not configured")
	case a.Server == "":
		return errors.Errorf("%s: imap server address not configured", a.Name)
	case a.Username == "":
		return errors.Errorf("%s: imap username not configured", a.Name)
	case a.Password == "":
		return errors.Errorf("%s: imap password not configured", a.Name)
	case a.Archive == "":
		return errors.Errorf("%s: archive path not configured", a.Name)
	}
	return nil
}

// Select returns the accounts with the given names in configuration order,
// or all accounts when names is empty. Unknown names are an error before any
// account is processed.
func (c *Config) Select(names []string) ([]Account, error) {
	if len(names) == 0 {
		return c.Accounts, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	var accounts []Account
	for _, a := range c.Accounts {
		if wanted[a.Name] {
			accounts = append(accounts, a)
			delete(wanted, a.Name)
		}
	}
	for name := range wanted {
		return nil, errors.Errorf("no such account in configuration: %s", name)
	}
	return accounts, nil
}

// ExcludePatterns splits the newline-separated exclude list.
func (a *Account) ExcludePatterns() []string {
	var patterns []string
	for _, line := range strings.Split(a.Exclude, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns
}

// IsIncremental reports whether sync resumes from stored watermarks.
func (a *Account) IsIncremental() bool {
	return a.Incremental == nil || *a.Incremental
}
