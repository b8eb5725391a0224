package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/interval"
)

// policyFile is the YAML shape of a polling policy override:
//
//	min: 15s
//	max: 6h
//	virtual_email_cooldown: 10m
//	table:
//	  high: {high: 15s, medium: 30s, low: 1m}
type policyFile struct {
	Min                  string                       `yaml:"min"`
	Max                  string                       `yaml:"max"`
	VirtualEmailCooldown string                       `yaml:"virtual_email_cooldown"`
	Table                map[string]map[string]string `yaml:"table"`
}

// LoadPolicy overlays the YAML file at path onto interval.DefaultPolicy.
// An empty path returns the defaults.
func LoadPolicy(path string) (interval.Policy, error) {
	policy := interval.DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, errors.Wrap(err, "read policy file")
	}
	return ParsePolicy(raw)
}

// ParsePolicy overlays a YAML document onto interval.DefaultPolicy.
func ParsePolicy(raw []byte) (interval.Policy, error) {
	policy := interval.DefaultPolicy()
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return policy, errors.Wrap(err, "decode policy file")
	}

	bounds := []struct {
		value  string
		target *time.Duration
	}{
		{file.Min, &policy.Min},
		{file.Max, &policy.Max},
		{file.VirtualEmailCooldown, &policy.VirtualEmailCooldown},
	}
	for _, b := range bounds {
		if b.value == "" {
			continue
		}
		d, err := time.ParseDuration(b.value)
		if err != nil {
			return policy, errors.Wrapf(err, "parse duration %q", b.value)
		}
		*b.target = d
	}

	for levelName, row := range file.Table {
		level := domain.ActivityLevel(levelName)
		if _, ok := policy.Table[level]; !ok {
			return policy, errors.Errorf("unknown activity level %q", levelName)
		}
		for changeName, value := range row {
			change := domain.ChangeFrequency(changeName)
			if _, ok := policy.Table[level][change]; !ok {
				return policy, errors.Errorf("unknown change frequency %q", changeName)
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return policy, errors.Wrapf(err, "parse %s/%s", levelName, changeName)
			}
			policy.Table[level][change] = d
		}
	}

	if policy.Min > 0 && policy.Max > 0 && policy.Min > policy.Max {
		return policy, errors.Errorf("min interval %s exceeds max %s", policy.Min, policy.Max)
	}
	return policy, nil
}
