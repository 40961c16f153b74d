package state

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/lsv/internal/types"
)

var (
	testVault    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testAlice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testBob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewStore(db), mock
}

func q(sql string) string {
	return regexp.QuoteMeta(sql)
}

func TestMigrateAppliesPendingVersions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS asset_transfers")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("INSERT INTO schema_migrations (version, name)")).
		WithArgs(2, "asset transfer outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := Migrate(context.Background(), store.db)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, 2, LatestSchemaVersion())
}

func TestMigrateUpToDate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(LatestSchemaVersion()))

	applied, err := Migrate(context.Background(), store.db)
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestMigrateRollsBackFailedVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS vault_state")).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	applied, err := Migrate(context.Background(), store.db)
	require.ErrorContains(t, err, "migration 1")
	require.Zero(t, applied)
}

func sampleVaultSnapshot() types.VaultSnapshot {
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return types.VaultSnapshot{
		Params: types.VaultParams{
			Address:              testVault,
			FeeRecipient:         testTreasury,
			FeePercent:           1000,
			Capacity:             math.NewInt(1_000_000),
			ExitQueueUpdateDelay: time.Hour,
		},
		TotalShares:         math.NewInt(1009),
		TotalAssets:         math.NewInt(1100),
		QueuedShares:        math.NewInt(100),
		UnclaimedAssets:     math.NewInt(50),
		Liquidity:           math.NewInt(400),
		ExitQueueNextUpdate: next,
		Balances:            map[common.Address]math.Int{testAlice: math.NewInt(900), testTreasury: math.NewInt(9)},
		Allowances: map[common.Address]map[common.Address]math.Int{
			testAlice: {testBob: math.NewInt(25)},
		},
		Checkpoints: []types.Checkpoint{
			{CumulativeTickets: math.ZeroInt(), ExitedAssets: math.ZeroInt()},
			{CumulativeTickets: math.NewInt(50), ExitedAssets: math.NewInt(55)},
		},
		ExitRequests: []types.ExitRequest{
			{Receiver: testBob, PositionTicket: math.NewInt(50), Shares: math.NewInt(100)},
		},
	}
}

func TestSaveVault(t *testing.T) {
	store, mock := newMockStore(t)
	snapshot := sampleVaultSnapshot()

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO vault_state")).
		WithArgs(testVault.Hex(), testTreasury.Hex(), 1000, "1000000", int64(3600),
			"1009", "1100", "100", "50", "400", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM vault_balances")).WithArgs(testVault.Hex()).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("INSERT INTO vault_balances")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("DELETE FROM vault_allowances")).WithArgs(testVault.Hex()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("INSERT INTO vault_allowances")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM exit_checkpoints")).WithArgs(testVault.Hex(), 2).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM exit_checkpoints")).
		WithArgs(testVault.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(q("INSERT INTO exit_checkpoints")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM exit_requests")).WithArgs(testVault.Hex()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("INSERT INTO exit_requests")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveVault(context.Background(), snapshot, nil))
}

func TestSaveVaultSkipsStoredCheckpoints(t *testing.T) {
	store, mock := newMockStore(t)
	snapshot := types.VaultSnapshot{
		Params:      types.VaultParams{Address: testVault},
		Checkpoints: []types.Checkpoint{{CumulativeTickets: math.ZeroInt(), ExitedAssets: math.ZeroInt()}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO vault_state")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM vault_balances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM vault_allowances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM exit_checkpoints")).WithArgs(testVault.Hex(), 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM exit_checkpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(q("DELETE FROM exit_requests")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.SaveVault(context.Background(), snapshot, nil))
}

func TestSaveVaultRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO vault_state")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM vault_balances")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.SaveVault(context.Background(), sampleVaultSnapshot(), nil)
	require.ErrorContains(t, err, "vault_balances")
}

func TestLoadVault(t *testing.T) {
	store, mock := newMockStore(t)
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(q("FROM vault_state WHERE vault_address = $1")).
		WithArgs(testVault.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{
			"fee_recipient", "fee_percent", "capacity", "exit_queue_update_delay_seconds",
			"total_shares", "total_assets", "queued_shares", "unclaimed_assets", "liquidity", "exit_queue_next_update",
		}).AddRow(testTreasury.Hex(), 1000, "1000000", 3600, "1009", "1100", "100", "50", "400", next))
	mock.ExpectQuery(q("SELECT holder, shares FROM vault_balances")).
		WillReturnRows(sqlmock.NewRows([]string{"holder", "shares"}).
			AddRow(testAlice.Hex(), "900").
			AddRow(testTreasury.Hex(), "9"))
	mock.ExpectQuery(q("SELECT owner, spender, shares FROM vault_allowances")).
		WillReturnRows(sqlmock.NewRows([]string{"owner", "spender", "shares"}).AddRow(testAlice.Hex(), testBob.Hex(), "25"))
	mock.ExpectQuery(q("SELECT cumulative_tickets, exited_assets FROM exit_checkpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"cumulative_tickets", "exited_assets"}).
			AddRow("0", "0").
			AddRow("50", "55"))
	mock.ExpectQuery(q("SELECT receiver, position_ticket, shares FROM exit_requests")).
		WillReturnRows(sqlmock.NewRows([]string{"receiver", "position_ticket", "shares"}).AddRow(testBob.Hex(), "50", "100"))

	snapshot, err := store.LoadVault(context.Background(), testVault)
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	want := sampleVaultSnapshot()
	require.Equal(t, want.Params.FeeRecipient, snapshot.Params.FeeRecipient)
	require.Equal(t, want.Params.FeePercent, snapshot.Params.FeePercent)
	require.Equal(t, want.Params.ExitQueueUpdateDelay, snapshot.Params.ExitQueueUpdateDelay)
	require.True(t, next.Equal(snapshot.ExitQueueNextUpdate))
	require.Equal(t, "1000000", snapshot.Params.Capacity.String())
	require.Equal(t, "1009", snapshot.TotalShares.String())
	require.Equal(t, "1100", snapshot.TotalAssets.String())
	require.Equal(t, "100", snapshot.QueuedShares.String())
	require.Equal(t, "50", snapshot.UnclaimedAssets.String())
	require.Equal(t, "400", snapshot.Liquidity.String())
	require.Len(t, snapshot.Balances, 2)
	require.Equal(t, "900", snapshot.Balances[testAlice].String())
	require.Equal(t, "25", snapshot.Allowances[testAlice][testBob].String())
	require.Len(t, snapshot.Checkpoints, 2)
	require.Equal(t, "55", snapshot.Checkpoints[1].ExitedAssets.String())
	require.Len(t, snapshot.ExitRequests, 1)
	require.Equal(t, testBob, snapshot.ExitRequests[0].Receiver)
	require.Equal(t, "50", snapshot.ExitRequests[0].PositionTicket.String())
}

func TestLoadVaultMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM vault_state WHERE vault_address = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"fee_recipient"}))

	snapshot, err := store.LoadVault(context.Background(), testVault)
	require.NoError(t, err)
	require.Nil(t, snapshot)
}

func TestLoadVaultRejectsCorruptAmount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM vault_state WHERE vault_address = $1")).
		WillReturnRows(sqlmock.NewRows([]string{
			"fee_recipient", "fee_percent", "capacity", "exit_queue_update_delay_seconds",
			"total_shares", "total_assets", "queued_shares", "unclaimed_assets", "liquidity", "exit_queue_next_update",
		}).AddRow(testTreasury.Hex(), 0, "0", 0, "12.5", "0", "0", "0", "0", nil))

	_, err := store.LoadVault(context.Background(), testVault)
	require.ErrorContains(t, err, "not an integer")
}

func TestSaveAndLoadKeeper(t *testing.T) {
	store, mock := newMockStore(t)
	root := common.HexToHash("0x01")
	prev := common.HexToHash("0x02")
	updated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snapshot := types.KeeperSnapshot{
		RewardsRoot:          root,
		PrevRewardsRoot:      prev,
		RewardsNonce:         4,
		LastRewardsTimestamp: updated,
		RewardsDelay:         12 * time.Hour,
		Rewards:              map[common.Address]types.RewardSync{testVault: {Nonce: 3, Reward: math.NewInt(70)}},
		UnlockedMevRewards:   map[common.Address]types.RewardSync{},
	}

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO keeper_state")).
		WithArgs(root.Hex(), prev.Hex(), int64(4), sqlmock.AnyArg(), int64(43200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM reward_syncs")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("INSERT INTO reward_syncs")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, store.SaveKeeper(context.Background(), snapshot))

	mock.ExpectQuery(q("FROM keeper_state WHERE id = 1")).
		WillReturnRows(sqlmock.NewRows([]string{
			"rewards_root", "prev_rewards_root", "rewards_nonce", "last_rewards_timestamp", "rewards_delay_seconds",
		}).AddRow(root.Hex(), prev.Hex(), 4, updated, 43200))
	mock.ExpectQuery(q("FROM reward_syncs")).
		WillReturnRows(sqlmock.NewRows([]string{"vault_address", "reward_nonce", "reward", "mev_nonce", "mev_reward"}).
			AddRow(testVault.Hex(), 3, "70", 0, "0"))

	loaded, err := store.LoadKeeper(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, root, loaded.RewardsRoot)
	require.Equal(t, prev, loaded.PrevRewardsRoot)
	require.Equal(t, uint64(4), loaded.RewardsNonce)
	require.Equal(t, 12*time.Hour, loaded.RewardsDelay)
	require.True(t, updated.Equal(loaded.LastRewardsTimestamp))
	require.Equal(t, uint64(3), loaded.Rewards[testVault].Nonce)
	require.Equal(t, "70", loaded.Rewards[testVault].Reward.String())
	require.Empty(t, loaded.UnlockedMevRewards)
}

func TestLoadKeeperMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM keeper_state WHERE id = 1")).
		WillReturnRows(sqlmock.NewRows([]string{"rewards_root"}))

	loaded, err := store.LoadKeeper(context.Background())
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRecordHarvest(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := types.HarvestRecord{
		ID:               "9b2f7a4e-1c3d-4e5f-8a9b-0c1d2e3f4a5b",
		Vault:            testVault,
		RewardsRoot:      common.HexToHash("0x03"),
		Nonce:            2,
		TotalAssetsDelta: math.NewInt(100),
		UnlockedMevDelta: math.ZeroInt(),
		FeeShares:        math.NewInt(9),
		Timestamp:        at,
	}

	mock.ExpectExec(q("INSERT INTO harvest_records")).
		WithArgs(record.ID, testVault.Hex(), record.RewardsRoot.Hex(), int64(2), "100", "0", "9", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RecordHarvest(context.Background(), record))

	mock.ExpectQuery(q("FROM harvest_records ORDER BY harvested_at DESC LIMIT $1")).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{
			"harvest_id", "vault_address", "rewards_root", "rewards_nonce",
			"total_assets_delta", "unlocked_mev_delta", "fee_shares", "harvested_at",
		}).AddRow(record.ID, testVault.Hex(), record.RewardsRoot.Hex(), 2, "-5", "0", "0", at))

	records, err := store.RecentHarvests(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, record.ID, records[0].ID)
	require.Equal(t, "-5", records[0].TotalAssetsDelta.String())
	require.True(t, at.Equal(records[0].Timestamp))
}

func TestRecordHarvestRejectsInvalidID(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.RecordHarvest(context.Background(), types.HarvestRecord{ID: "not-a-uuid"})
	require.ErrorContains(t, err, "invalid harvest id")
}

func sampleTransfers() []types.AssetTransfer {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []types.AssetTransfer{
		{ID: "7f1c2f0e-4d55-4c8e-9a57-0a4b3f5b6c01", Direction: types.TransferIn, Counterparty: testAlice, Assets: math.NewInt(100), CreatedAt: created},
		{ID: "7f1c2f0e-4d55-4c8e-9a57-0a4b3f5b6c02", Direction: types.TransferMev, Counterparty: testVault, Assets: math.NewInt(7), CreatedAt: created},
	}
}

func expectEmptyVaultSave(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO vault_state")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM vault_balances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM vault_allowances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM exit_checkpoints")).WithArgs(testVault.Hex(), 0).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM exit_checkpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(q("DELETE FROM exit_requests")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestSaveVaultQueuesTransfersInSameTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	expectEmptyVaultSave(mock)
	mock.ExpectExec(q("INSERT INTO asset_transfers")).
		WithArgs(sqlmock.AnyArg(), testVault.Hex(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), StatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	snapshot := types.VaultSnapshot{Params: types.VaultParams{Address: testVault}}
	require.NoError(t, store.SaveVault(context.Background(), snapshot, sampleTransfers()))
}

func TestSaveVaultDiscardsStateWhenQueueingFails(t *testing.T) {
	store, mock := newMockStore(t)

	expectEmptyVaultSave(mock)
	mock.ExpectExec(q("INSERT INTO asset_transfers")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	snapshot := types.VaultSnapshot{Params: types.VaultParams{Address: testVault}}
	err := store.SaveVault(context.Background(), snapshot, sampleTransfers())
	require.ErrorContains(t, err, "failed to queue asset transfers")
}

func TestSaveVaultRejectsInvalidTransfers(t *testing.T) {
	store, _ := newMockStore(t)
	snapshot := types.VaultSnapshot{Params: types.VaultParams{Address: testVault}}

	zero := sampleTransfers()
	zero[0].Assets = math.ZeroInt()
	require.ErrorContains(t, store.SaveVault(context.Background(), snapshot, zero), "must be positive")

	unnamed := sampleTransfers()
	unnamed[1].ID = ""
	require.Error(t, store.SaveVault(context.Background(), snapshot, unnamed))
}

func TestOutbox(t *testing.T) {
	store, mock := newMockStore(t)
	outbox := store.NewOutbox(testVault)
	ctx := context.Background()
	transfers := sampleTransfers()

	rows := sqlmock.NewRows([]string{"transfer_id", "direction", "counterparty", "amount", "created_at"})
	for _, tr := range transfers {
		rows.AddRow(tr.ID, tr.Direction, tr.Counterparty.Hex(), tr.Assets.String(), tr.CreatedAt)
	}
	mock.ExpectQuery(q("FROM asset_transfers WHERE vault_address = $1 AND status = $2")).
		WithArgs(testVault.Hex(), StatusPending).
		WillReturnRows(rows)
	pending, err := outbox.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for i := range transfers {
		require.Equal(t, transfers[i].ID, pending[i].ID)
		require.Equal(t, transfers[i].Direction, pending[i].Direction)
		require.Equal(t, transfers[i].Counterparty, pending[i].Counterparty)
		require.Equal(t, transfers[i].Assets.String(), pending[i].Assets.String())
		require.True(t, transfers[i].CreatedAt.Equal(pending[i].CreatedAt))
	}

	id := transfers[0].ID
	mock.ExpectExec(q("UPDATE asset_transfers SET status = $1")).
		WithArgs(StatusExecuted, id, testVault.Hex(), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE asset_transfers SET status = $1")).
		WithArgs(StatusExecuted, id, testVault.Hex(), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, outbox.MarkExecuted(ctx, id))
	require.ErrorIs(t, outbox.MarkExecuted(ctx, id), ErrTransferNotPending)
}

func TestOutboxRejectsCorruptAmount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM asset_transfers")).
		WillReturnRows(sqlmock.NewRows([]string{"transfer_id", "direction", "counterparty", "amount", "created_at"}).
			AddRow("7f1c2f0e-4d55-4c8e-9a57-0a4b3f5b6c01", types.TransferOut, testBob.Hex(), "lots", time.Now()))

	_, err := store.NewOutbox(testVault).Pending(context.Background())
	require.Error(t, err)
}
