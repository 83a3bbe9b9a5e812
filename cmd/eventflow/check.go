package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CheckConfigCmd prints the effective settings as YAML.
type CheckConfigCmd struct{}

// Run implements the check-config command.
func (cmd *CheckConfigCmd) Run(cli *CLI) error {
	s, err := cli.Settings()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}
