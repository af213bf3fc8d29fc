package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/storyreel/storyreel-agent/internal/credentials"
)

// AccountsFile is the on-disk layout of accounts.yaml:
//
//	multi_account: true
//	accounts:
//	  - name: main
//	    project_id: 0f3c...
//	    enabled: true
//	    tokens: [ya29..., ya29...]
type AccountsFile struct {
	MultiAccount bool                  `yaml:"multi_account"`
	Accounts     []credentials.Account `yaml:"accounts"`
}

// LoadAccounts reads an accounts file. A missing file yields an empty,
// single-account configuration.
func LoadAccounts(path string) (*AccountsFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &AccountsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var af AccountsFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	for i := range af.Accounts {
		if af.Accounts[i].Name == "" {
			af.Accounts[i].Name = fmt.Sprintf("account-%d", i+1)
		}
	}
	return &af, nil
}

// SaveAccounts writes the accounts file with owner-only permissions.
func SaveAccounts(path string, af *AccountsFile) error {
	data, err := yaml.Marshal(af)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	return nil
}

// MultiAccountActive reports whether scenes should be spread over accounts.
func (af *AccountsFile) MultiAccountActive() bool {
	return af.MultiAccount && len(credentials.NewAccounts(af.Accounts).Enabled()) > 0
}
