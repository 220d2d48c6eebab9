package core

import (
	"math/big"
	"testing"
)

func newTestQueryLayer(t *testing.T) (*QueryLayer, *Ledger, *ECDSASigner) {
	t.Helper()
	producer := mustSigner(t)
	ledger := newTestLedger(t, producer)
	return NewQueryLayer(ledger), ledger, producer
}

func TestQueryLayerStatsAndWallet(t *testing.T) {
	q, ledger, producer := newTestQueryLayer(t)
	recipient := mustSigner(t)

	if _, err := ledger.SubmitTransaction(genesisCredit(recipient.Address(), big.NewInt(500), 1)); err != nil {
		t.Fatalf("submit genesis tx: %v", err)
	}
	if _, err := ledger.ProduceBlock(producer.Address(), 1); err != nil {
		t.Fatalf("produce block: %v", err)
	}

	stats := q.Stats()
	if stats.Height != 0 {
		t.Fatalf("stats.Height = %d, want 0", stats.Height)
	}
	if stats.ActiveValidators != 1 {
		t.Fatalf("stats.ActiveValidators = %d, want 1", stats.ActiveValidators)
	}
	if stats.TransactionsSeen != 1 {
		t.Fatalf("stats.TransactionsSeen = %d, want 1", stats.TransactionsSeen)
	}

	wallet, ok := q.Wallet(recipient.Address())
	if !ok || wallet.Balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("Wallet = (%+v, %v), want balance 500", wallet, ok)
	}

	if _, ok := q.Wallet(addrFromByte(250)); ok {
		t.Fatalf("expected Wallet to report false for an address with no account")
	}
}

func TestQueryLayerBlocksAndTransactionsPagination(t *testing.T) {
	q, ledger, producer := newTestQueryLayer(t)
	if _, err := ledger.SubmitTransaction(genesisCredit(addrFromByte(1), big.NewInt(1), 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := ledger.ProduceBlock(producer.Address(), 1); err != nil {
		t.Fatalf("produce block: %v", err)
	}
	if _, err := ledger.ProduceBlock(producer.Address(), 2); err != nil {
		t.Fatalf("produce empty block: %v", err)
	}

	page := q.Blocks(0, 1)
	if len(page) != 1 || page[0].Height != 0 {
		t.Fatalf("Blocks(0,1) = %+v, want a single block at height 0", page)
	}
	page2 := q.Blocks(1, 1)
	if len(page2) != 1 || page2[0].Height != 1 {
		t.Fatalf("Blocks(1,1) = %+v, want a single block at height 1", page2)
	}

	block, ok := q.Block("0")
	if !ok || block.Height != 0 {
		t.Fatalf("Block(\"0\") = (%+v, %v), want height 0", block, ok)
	}

	txs := q.Transactions(0, 10)
	if len(txs) != 1 {
		t.Fatalf("Transactions(0,10) returned %d, want 1", len(txs))
	}
}

func TestQueryLayerStakingRecordsExcludesWithdrawn(t *testing.T) {
	q, ledger, _ := newTestQueryLayer(t)
	rec := ledger.Stakes.Insert(addrFromByte(1), addrFromByte(2), big.NewInt(10), 0)
	ledger.Stakes.Insert(addrFromByte(1), addrFromByte(3), big.NewInt(20), 0)
	ledger.Stakes.Withdraw(rec.ID, 1)

	active := q.StakingRecords(0, 10)
	if len(active) != 1 {
		t.Fatalf("StakingRecords returned %d, want 1 active record", len(active))
	}

	all := q.ListAllStakingRecords(0, 10)
	if len(all) != 2 {
		t.Fatalf("ListAllStakingRecords returned %d, want 2", len(all))
	}
}

func TestQueryLayerContractsAndMempool(t *testing.T) {
	q, ledger, producer := newTestQueryLayer(t)
	deployer := addrFromByte(1)
	res, err := ledger.Contracts.Deploy(DeployRequest{Source: counterSource, Deployer: deployer, GasLimit: 100})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	contracts := q.Contracts(0, 10)
	if len(contracts) != 1 || contracts[0].Address != res.Address {
		t.Fatalf("Contracts = %+v, want one entry at %s", contracts, res.Address.Hex())
	}
	c, ok := q.Contract(res.Address)
	if !ok || c.Address != res.Address {
		t.Fatalf("Contract(%s) = (%+v, %v)", res.Address.Hex(), c, ok)
	}

	sender := mustSigner(t)
	if _, err := ledger.SubmitTransaction(genesisCredit(sender.Address(), big.NewInt(100), 1)); err != nil {
		t.Fatalf("submit genesis: %v", err)
	}
	if _, err := ledger.ProduceBlock(producer.Address(), 1); err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	pending := signedTransfer(sender, addrFromByte(9), big.NewInt(1), big.NewInt(0), 0, 21000, 2)
	// Admit directly to the mempool without confirming a block, so Mempool
	// reflects a genuinely pending (not-yet-included) transaction.
	if err := ledger.Mempool.Admit(&MempoolEntry{TxHash: pending.Hash, Tx: pending, Status: TxPending}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	mempool := q.Mempool(10)
	if len(mempool) != 1 || mempool[0].Hash != pending.Hash {
		t.Fatalf("Mempool(10) = %+v, want the one pending tx", mempool)
	}
}
