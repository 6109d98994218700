package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegrid/internal/model"
)

func sampleFill(robotID, customID string) model.FilledInfo {
	return model.FilledInfo{
		OrderID:       42,
		CustomOrderID: customID,
		Gateway:       "Huobi",
		RobotID:       robotID,
		Symbol:        "BTCUSDT",
		Amount:        "0.5",
		Price:         20000,
		Side:          model.SideBuy,
		Meta:          model.StrategyParams{Kind: model.StrategyArbitration, Name: "arb"},
	}
}

func TestFillSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fills.gob")
	snap := NewFillSnapshot(path)

	fills := map[string][]model.FilledInfo{
		"Robot_Huobi_1": {sampleFill("Robot_Huobi_1", "c1"), sampleFill("Robot_Huobi_1", "c2")},
		"Robot_Binance": {sampleFill("Robot_Binance", "c3")},
	}
	require.NoError(t, snap.Save(fills))

	loaded := NewFillSnapshot(path).Load()
	require.Len(t, loaded, 2)
	assert.Equal(t, fills["Robot_Huobi_1"], loaded["Robot_Huobi_1"])
	assert.Equal(t, fills["Robot_Binance"], loaded["Robot_Binance"])
}

func TestFillSnapshotMissingFileYieldsEmpty(t *testing.T) {
	snap := NewFillSnapshot(filepath.Join(t.TempDir(), "absent.gob"))
	loaded := snap.Load()
	require.NotNil(t, loaded)
	assert.Empty(t, loaded)
}

func TestFillSnapshotDamagedFileYieldsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fills.gob")
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o600))

	loaded := NewFillSnapshot(path).Load()
	require.NotNil(t, loaded)
	assert.Empty(t, loaded)
}

func TestJournalAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fills.jsonl")
	j := NewJournal(path)
	require.NotNil(t, j)

	require.NoError(t, j.Append(sampleFill("Robot_Huobi_1", "c1")))
	require.NoError(t, j.Append(sampleFill("Robot_Huobi_1", "c2")))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []JournalRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec JournalRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].CustomOrderID)
	assert.Equal(t, "c2", records[1].CustomOrderID)
	assert.Equal(t, "Buy", records[0].Side)
	assert.NotEmpty(t, records[0].RecordID)
	assert.NotEqual(t, records[0].RecordID, records[1].RecordID)
}

func TestNilJournalAndArchiveAreNoOps(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Append(sampleFill("r", "c")))
	assert.NoError(t, j.Close())

	var a *Archive
	assert.NoError(t, a.Save(sampleFill("r", "c")))
	rows, err := a.RecentByRobot("r", 10)
	assert.NoError(t, err)
	assert.Nil(t, rows)
}

func TestOpenArchiveEmptyDSNDisabled(t *testing.T) {
	a, err := OpenArchive("")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestLedgerSnapshotLoadConsumesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.gob")
	snap := NewLedgerSnapshot(path)

	sent := map[string][]model.OrderContainer{
		"Huobi": {{
			RobotID: "Robot_Huobi_1",
			Order:   model.NewLimitOrder("Huobi::PROD", "BTCUSDT", 0.5, 20000, model.SideBuy, "c1"),
			Meta:    model.StrategyParams{Kind: model.StrategyArbitration},
		}},
	}
	require.NoError(t, snap.Save(sent))

	loaded := NewLedgerSnapshot(path).Load()
	require.Len(t, loaded, 1)
	require.Len(t, loaded["Huobi"], 1)
	assert.Equal(t, "c1", loaded["Huobi"][0].Order.CustomOrderID)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, NewLedgerSnapshot(path).Load())
}
