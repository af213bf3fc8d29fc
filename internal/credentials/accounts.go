package credentials

import (
	"fmt"
	"strings"
)

// Account groups tokens that share one backend project.
type Account struct {
	Name      string   `yaml:"name" json:"name"`
	Tokens    []string `yaml:"tokens" json:"-"`
	ProjectID string   `yaml:"project_id" json:"project_id"`
	Enabled   bool     `yaml:"enabled" json:"enabled"`
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.ProjectID) == "" {
		return fmt.Errorf("account %q: project_id is required", a.Name)
	}
	for _, t := range a.Tokens {
		if strings.TrimSpace(t) != "" {
			return nil
		}
	}
	return fmt.Errorf("account %q: at least one token is required", a.Name)
}

// Accounts is an ordered list of accounts. Scenes are spread over the
// enabled ones round-robin.
type Accounts struct {
	list []Account
}

func NewAccounts(list []Account) *Accounts {
	return &Accounts{list: append([]Account(nil), list...)}
}

// Enabled returns enabled accounts that pass validation, in file order.
func (a *Accounts) Enabled() []Account {
	out := make([]Account, 0, len(a.list))
	for _, acc := range a.list {
		if acc.Enabled && acc.Validate() == nil {
			out = append(out, acc)
		}
	}
	return out
}

// ForScene picks the account for the scene at the given 0-based position.
func (a *Accounts) ForScene(ordinal int) (Account, bool) {
	enabled := a.Enabled()
	if len(enabled) == 0 {
		return Account{}, false
	}
	if ordinal < 0 {
		ordinal = -ordinal
	}
	return enabled[ordinal%len(enabled)], true
}
