package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	memstore "github.com/repaircoin/rcn-engine/ledger/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit_Report(t *testing.T) {
	// GIVEN: A customer whose cached lifetime is 10 RCN short of the ledger
	//        and three identical confirmed mints
	// WHEN: Auditing with -duplicates and -reconcile all
	// THEN: One duplicate group and one drifted customer are reported

	ctx := context.Background()
	st := memstore.NewMemory()
	addr := ledger.NormalizeAddress("0xABC")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := ledger.NewCustomer(addr, "Audit", "", now)
	c.LifetimeEarnings = ledger.RCNFromInt(20)
	require.NoError(t, st.CreateCustomer(ctx, c))
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, st.AppendTransaction(ctx, ledger.Transaction{
			ID:              ledger.TransactionID(id),
			Type:            ledger.TxMint,
			Status:          ledger.StatusConfirmed,
			Origin:          ledger.OriginShopReward,
			Amount:          ledger.RCNFromInt(10),
			CustomerAddress: addr,
			ShopID:          "shop-1",
			CreatedAt:       now,
		}))
	}

	var out bytes.Buffer
	findings, err := audit(ctx, ledger.NewReconciliationAuditor(st), options{duplicates: "0xABC", reconcile: "all"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, findings)

	report := out.String()
	assert.Contains(t, report, "INVALID APPROVED SESSIONS: 0")
	assert.Contains(t, report, "DUPLICATE MINT GROUPS: 1")
	assert.Contains(t, report, "DRIFTED CUSTOMERS: 1")
	assert.Contains(t, report, "20/30")
}

func TestAudit_Clean(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	require.NoError(t, st.CreateCustomer(ctx, ledger.NewCustomer("0xclean", "Clean", "", time.Now())))

	var out bytes.Buffer
	findings, err := audit(ctx, ledger.NewReconciliationAuditor(st), options{reconcile: "0xclean"}, &out)
	require.NoError(t, err)
	assert.Zero(t, findings)
	assert.Contains(t, out.String(), "DRIFTED CUSTOMERS: 0")
}
