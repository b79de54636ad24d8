/*
program.go - Reward program definitions loaded from a file

PURPOSE:
  Lets operators change the tier table, earning limits and referral
  amounts without a release. The file is YAML; JSON is accepted too since
  it is valid YAML.

SCHEMA:
  tiers:
    - name: large_repair
      min_repair: "100"
      reward: "25"
      description: Repairs of $100 or more
    - name: small_repair
      min_repair: "50"
      reward: "10"
  limits:
    daily: "50"      # "0" disables the check
    monthly: "500"
  referral:
    referrer: "25"
    referee: "10"

  Amounts are decimal strings so a program round-trips without float
  rounding. Sections left out keep the base program's values.

USAGE:
  program, err := rewards.LoadProgram("./rewards.yaml", rewards.DefaultProgram())
  issuer := rewards.NewProgramIssuer(store, program)

SEE ALSO:
  - policies.go: The built-in defaults
  - config/config.go: RCN_REWARD_PROGRAM names the file
*/
package rewards

import (
	"errors"
	"fmt"
	"os"

	"github.com/repaircoin/rcn-engine/ledger"
	"gopkg.in/yaml.v3"
)

// Program is a complete reward configuration.
type Program struct {
	Tiers    []Tier
	Limits   Limits
	Referral ReferralAmounts
}

func DefaultProgram() Program {
	return Program{
		Tiers:    DefaultTiers(),
		Limits:   DefaultLimits(),
		Referral: DefaultReferralAmounts(),
	}
}

// NewProgramIssuer returns an issuer configured from p.
func NewProgramIssuer(store ledger.TxStore, p Program) *Issuer {
	i := NewIssuer(store, p.Limits)
	i.Tiers = append([]Tier(nil), p.Tiers...)
	i.Referral = p.Referral
	return i
}

// Validate rejects programs the issuer cannot run.
func (p Program) Validate() error {
	if len(p.Tiers) == 0 {
		return errors.New("reward program has no tiers")
	}
	seen := make(map[string]bool, len(p.Tiers))
	for _, t := range p.Tiers {
		if t.Name == "" {
			return errors.New("reward tier without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate reward tier %q", t.Name)
		}
		seen[t.Name] = true
		if !t.MinRepair.IsPositive() || !t.RewardRCN.IsPositive() {
			return fmt.Errorf("reward tier %q needs a positive min_repair and reward", t.Name)
		}
	}
	if p.Limits.Daily.IsNegative() || p.Limits.Monthly.IsNegative() {
		return errors.New("earning limits cannot be negative")
	}
	if p.Referral.Referrer.IsNegative() || p.Referral.Referee.IsNegative() {
		return errors.New("referral amounts cannot be negative")
	}
	return nil
}

// =============================================================================
// FILE SCHEMA
// =============================================================================

type programFile struct {
	Tiers    []tierFile    `yaml:"tiers"`
	Limits   *limitsFile   `yaml:"limits"`
	Referral *referralFile `yaml:"referral"`
}

type tierFile struct {
	Name        string `yaml:"name"`
	MinRepair   string `yaml:"min_repair"`
	Reward      string `yaml:"reward"`
	Description string `yaml:"description"`
}

type limitsFile struct {
	Daily   *string `yaml:"daily"`
	Monthly *string `yaml:"monthly"`
}

type referralFile struct {
	Referrer *string `yaml:"referrer"`
	Referee  *string `yaml:"referee"`
}

// LoadProgram reads path and overlays it on base.
func LoadProgram(path string, base Program) (Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Program{}, fmt.Errorf("reading reward program %s: %w", path, err)
	}
	return ParseProgram(data, base)
}

// ParseProgram decodes a YAML or JSON program and overlays it on base.
func ParseProgram(data []byte, base Program) (Program, error) {
	var pf programFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return Program{}, fmt.Errorf("failed to parse reward program: %w", err)
	}

	p := base
	p.Tiers = append([]Tier(nil), base.Tiers...)

	if len(pf.Tiers) > 0 {
		p.Tiers = p.Tiers[:0]
		for _, tf := range pf.Tiers {
			t, err := tf.toTier()
			if err != nil {
				return Program{}, err
			}
			p.Tiers = append(p.Tiers, t)
		}
	}

	if pf.Limits != nil {
		if err := overlay(&p.Limits.Daily, pf.Limits.Daily, "limits.daily"); err != nil {
			return Program{}, err
		}
		if err := overlay(&p.Limits.Monthly, pf.Limits.Monthly, "limits.monthly"); err != nil {
			return Program{}, err
		}
	}

	if pf.Referral != nil {
		if err := overlay(&p.Referral.Referrer, pf.Referral.Referrer, "referral.referrer"); err != nil {
			return Program{}, err
		}
		if err := overlay(&p.Referral.Referee, pf.Referral.Referee, "referral.referee"); err != nil {
			return Program{}, err
		}
	}

	if err := p.Validate(); err != nil {
		return Program{}, err
	}
	return p, nil
}

func (tf tierFile) toTier() (Tier, error) {
	minRepair, err := ledger.ParseAmount(tf.MinRepair)
	if err != nil {
		return Tier{}, fmt.Errorf("tier %q min_repair: %w", tf.Name, err)
	}
	reward, err := ledger.ParseAmount(tf.Reward)
	if err != nil {
		return Tier{}, fmt.Errorf("tier %q reward: %w", tf.Name, err)
	}
	return Tier{Name: tf.Name, MinRepair: minRepair, RewardRCN: reward, Description: tf.Description}, nil
}

func overlay(dst *ledger.Amount, raw *string, field string) error {
	if raw == nil {
		return nil
	}
	a, err := ledger.ParseAmount(*raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = a
	return nil
}
