package normalize

import (
	"os"

	"gopkg.in/yaml.v3"
)

// RulesFile is the top-level YAML structure of a placeholder rules file.
//
//	rules:
//	  - name: ipv4
//	    pattern: '\b\d{1,3}(\.\d{1,3}){3}\b'
//	    replacement: '<IP>'
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads extra placeholder rules from the YAML file at path.
// If the file does not exist, LoadRules returns no rules (not an error).
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// LoadFile builds a Normalizer from the rules file at path.
func LoadFile(path string) (*Normalizer, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return New(rules...)
}
