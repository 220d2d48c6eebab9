package core

import "sort"

// QueryLayer exposes read-only, paginated projections over every entity in
// spec §3 (C9). It never mutates the ledger; all writes go through C5/C6.
type QueryLayer struct {
	ledger *Ledger
}

// NewQueryLayer wraps a ledger with the read query surface.
func NewQueryLayer(l *Ledger) *QueryLayer {
	return &QueryLayer{ledger: l}
}

// Stats is the summary view the read API's `stats` endpoint returns.
type Stats struct {
	Height          int64
	TransactionsSeen int
	ActiveValidators int
	ActiveStakes     int
	MempoolSize      int
}

// Stats summarizes chain state for the read API's stats endpoint.
func (q *QueryLayer) Stats() Stats {
	active := 0
	for _, v := range q.ledger.Validators.List() {
		if v.Status == ValidatorActive {
			active++
		}
	}
	txCount := 0
	for _, b := range q.ledger.Blocks.ListBlocks(0, 1<<30) {
		txCount += b.TransactionsCount
	}
	return Stats{
		Height:           q.ledger.Blocks.Height(),
		TransactionsSeen: txCount,
		ActiveValidators: active,
		ActiveStakes:     q.ledger.Stakes.CountActive(),
		MempoolSize:      q.ledger.Mempool.Len(),
	}
}

// Blocks returns a page of blocks, ascending by height.
func (q *QueryLayer) Blocks(page, limit int) []*Block {
	return q.ledger.Blocks.ListBlocks(page, limit)
}

// Block returns a single block by height or hash.
func (q *QueryLayer) Block(id string) (*Block, bool) {
	return q.ledger.GetBlock(id)
}

// Transaction returns a single transaction by hash.
func (q *QueryLayer) Transaction(hash Hash) (*Transaction, bool) {
	return q.ledger.GetTransaction(hash)
}

// Transactions returns a page of confirmed transactions across all blocks,
// newest-last, by scanning committed blocks in height order.
func (q *QueryLayer) Transactions(page, limit int) []*Transaction {
	var all []*Transaction
	for _, b := range q.ledger.Blocks.ListBlocks(0, 1<<30) {
		all = append(all, b.Transactions...)
	}
	return paginate(all, page, limit)
}

// Wallet returns the account view at addr (read API's `wallet` endpoint).
func (q *QueryLayer) Wallet(addr Address) (AccountView, bool) {
	return q.ledger.GetAccount(addr)
}

// Contract returns the contract record at addr.
func (q *QueryLayer) Contract(addr Address) (*Contract, bool) {
	return q.ledger.GetContract(addr)
}

// Contracts returns a page of deployed contracts, ordered by address.
func (q *QueryLayer) Contracts(page, limit int) []*Contract {
	all := q.ledger.Contracts.List()
	sort.Slice(all, func(i, j int) bool { return all[i].Address.Hex() < all[j].Address.Hex() })
	return paginate(all, page, limit)
}

// Validators returns every registered validator.
func (q *QueryLayer) Validators() []Validator {
	return q.ledger.Validators.List()
}

// StakingRecords returns a page of ACTIVE staking records only: the public
// read API's staking_records endpoint MUST exclude withdrawn/completed rows
// (spec §4.9 / §7 User-visible behavior).
func (q *QueryLayer) StakingRecords(page, limit int) []StakeRecord {
	all := q.ledger.Stakes.ListActive()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page, limit)
}

// ListAllStakingRecords is a supplemented operator/debug view returning
// every staking record regardless of status (spec §7 Supplemented
// Features) — distinct from StakingRecords, which stays filtered.
func (q *QueryLayer) ListAllStakingRecords(page, limit int) []StakeRecord {
	all := q.ledger.Stakes.ListAll()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page, limit)
}

// Nodes returns every registered node.
func (q *QueryLayer) Nodes() []Node {
	return q.ledger.Nodes.List()
}

// Mempool returns up to limit pending transactions in priority order
// without removing them (Drain itself never removes entries).
func (q *QueryLayer) Mempool(limit int) []*Transaction {
	return q.ledger.Mempool.Drain(limit, 0)
}

func paginate[T any](all []T, page, limit int) []T {
	if limit <= 0 {
		return nil
	}
	start := page * limit
	if start >= len(all) {
		return nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}
