package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Account is one login the runtime supervises.
type Account struct {
	Name     string `toml:"name"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type accountsFile struct {
	Accounts []Account `toml:"accounts"`
}

// loadAccounts reads the accounts TOML file. Credentials live apart from
// the runtime config so the latter can be committed.
func loadAccounts(path string) ([]Account, error) {
	var raw accountsFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if !meta.IsDefined("accounts") || len(raw.Accounts) == 0 {
		return nil, fmt.Errorf("load accounts: %s defines no accounts", path)
	}

	seen := make(map[string]bool, len(raw.Accounts))
	out := make([]Account, 0, len(raw.Accounts))
	for i, acct := range raw.Accounts {
		acct.Name = strings.TrimSpace(acct.Name)
		acct.Username = strings.TrimSpace(acct.Username)
		if acct.Name == "" {
			acct.Name = acct.Username
		}
		if acct.Username == "" || acct.Password == "" {
			return nil, fmt.Errorf("load accounts: account[%d] missing username or password", i)
		}
		if seen[acct.Name] {
			return nil, fmt.Errorf("load accounts: duplicate account %q", acct.Name)
		}
		seen[acct.Name] = true
		out = append(out, acct)
	}
	return out, nil
}
