package rewards_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/rewards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgram_Overlay(t *testing.T) {
	// GIVEN: A program file that replaces the tiers and the daily limit only
	// WHEN: Parsing it over the default program
	// THEN: Monthly limit and referral amounts keep their defaults

	program, err := rewards.ParseProgram([]byte(`
tiers:
  - name: premium
    min_repair: "500"
    reward: "60"
  - name: standard
    min_repair: "40"
    reward: "7.5"
limits:
  daily: "120"
`), rewards.DefaultProgram())
	require.NoError(t, err)

	require.Len(t, program.Tiers, 2)
	assert.Equal(t, "premium", program.Tiers[0].Name)
	assert.Equal(t, "7.5", program.Tiers[1].RewardRCN.String())
	assert.Equal(t, "120", program.Limits.Daily.String())
	assert.Equal(t, "500", program.Limits.Monthly.String())
	assert.Equal(t, "25", program.Referral.Referrer.String())
	assert.Equal(t, "10", program.Referral.Referee.String())

	tier, ok := rewards.TierFor(program.Tiers, ledger.RCNFromInt(45))
	require.True(t, ok)
	assert.Equal(t, "standard", tier.Name)
}

func TestParseProgram_JSON(t *testing.T) {
	program, err := rewards.ParseProgram([]byte(`{
  "referral": {"referrer": "40", "referee": "15"},
  "limits": {"daily": "0", "monthly": "0"}
}`), rewards.DefaultProgram())
	require.NoError(t, err)

	require.Len(t, program.Tiers, len(rewards.DefaultTiers()))
	assert.Equal(t, "large_repair", program.Tiers[0].Name)
	assert.Equal(t, "40", program.Referral.Referrer.String())
	assert.True(t, program.Limits.Daily.IsZero())
}

func TestParseProgram_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "tiers: [unclosed"},
		{"bad amount", "tiers:\n  - name: a\n    min_repair: lots\n    reward: \"1\"\n"},
		{"zero reward", "tiers:\n  - name: a\n    min_repair: \"10\"\n    reward: \"0\"\n"},
		{"duplicate tier", "tiers:\n  - {name: a, min_repair: \"10\", reward: \"1\"}\n  - {name: a, min_repair: \"20\", reward: \"2\"}\n"},
		{"unnamed tier", "tiers:\n  - {min_repair: \"10\", reward: \"1\"}\n"},
		{"negative limit", "limits:\n  monthly: \"-1\"\n"},
		{"negative referral", "referral:\n  referee: \"-5\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rewards.ParseProgram([]byte(tt.doc), rewards.DefaultProgram())
			assert.Error(t, err)
		})
	}
}

func TestLoadProgram_DrivesIssuer(t *testing.T) {
	// GIVEN: A program file with a single 5 RCN tier from $20
	// WHEN: An issuer built from it rewards a $30 repair
	// THEN: 5 RCN is credited under the file's tier name

	path := filepath.Join(t.TempDir(), "rewards.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - name: any_repair
    min_repair: "20"
    reward: "5"
`), 0o644))

	program, err := rewards.LoadProgram(path, rewards.DefaultProgram())
	require.NoError(t, err)

	ctx := context.Background()
	store := newTestStore(t)
	createCustomer(t, store, "0xa1", "")
	issuer := rewards.NewProgramIssuer(store, program)
	issuer.Now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }

	issued, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", ledger.RCNFromInt(30), ledger.Zero(), "")
	require.NoError(t, err)
	assert.Equal(t, "any_repair", issued.Tier)
	assert.Equal(t, "5", issued.Transaction.Amount.String())

	_, err = rewards.LoadProgram(filepath.Join(t.TempDir(), "missing.yaml"), rewards.DefaultProgram())
	assert.Error(t, err)
}
