package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRulesFile reads a YAML rules file on top of DefaultRules, so a file may
// override only the sections it names, and compiles the result.
func LoadRulesFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scoring rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules on top of DefaultRules and compiles them.
func ParseRules(data []byte) (*Ruleset, error) {
	rules := DefaultRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, &ConfigurationError{Field: "rules file", Reason: err.Error()}
	}
	return Compile(rules)
}
