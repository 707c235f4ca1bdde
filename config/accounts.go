package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// accountsFile is the layout of a standalone accounts file, kept apart from
// the main configuration so credentials can be mounted separately.
type accountsFile struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// LoadAccounts loads the account list from the given path.
func LoadAccounts(path string) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if len(file.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s lists no accounts", path)
	}
	return file.Accounts, nil
}
