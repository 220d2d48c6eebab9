// Package api exposes the ledger's read query layer (C9) over HTTP, using
// the transport-agnostic shape spec.md §6 describes: stats, blocks,
// transactions, wallet, contracts, validators, staking_records, nodes,
// mempool, each returning JSON or a stable {kind, message} error body.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"synnergy-network/core"
)

type requestIDKey struct{}

// requestIDMiddleware stamps each inbound request with a random correlation
// ID for log tracing. Unlike every other identifier in this package, this
// one carries no consensus weight, so a random google/uuid value (rather
// than a deterministic hash) is the right tool.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Server wraps a QueryLayer with a chi mux implementing the read API
// surface. Grounded on the teacher's cmd/explorer mux layout, generalized
// to the read-only query set this spec names instead of the teacher's
// wallet/token explorer pages.
type Server struct {
	query *core.QueryLayer
	mux   *chi.Mux
}

// NewServer builds the mux and registers every route.
func NewServer(q *core.QueryLayer) *Server {
	s := &Server{query: q, mux: chi.NewRouter()}
	s.mux.Use(requestIDMiddleware)
	s.mux.Use(middleware.Recoverer)

	s.mux.Get("/stats", s.handleStats)
	s.mux.Get("/blocks", s.handleBlocks)
	s.mux.Get("/block", s.handleBlock)
	s.mux.Get("/transactions", s.handleTransactions)
	s.mux.Get("/transaction", s.handleTransaction)
	s.mux.Get("/wallet", s.handleWallet)
	s.mux.Get("/contracts", s.handleContracts)
	s.mux.Get("/contract", s.handleContract)
	s.mux.Get("/validators", s.handleValidators)
	s.mux.Get("/staking_records", s.handleStakingRecords)
	s.mux.Get("/nodes", s.handleNodes)
	s.mux.Get("/mempool", s.handleMempool)
	return s
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

func pageLimit(r *http.Request) (page, limit int) {
	limit = 50
	page = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	return
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the stable {kind, message} object spec §4.9/§7 requires.
type errorBody struct {
	Kind    core.Kind `json:"kind"`
	Message string    `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind core.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Kind: kind, Message: message})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.query.Stats())
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	page, limit := pageLimit(r)
	writeJSON(w, s.query.Blocks(page, limit))
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	b, ok := s.query.Block(id)
	if !ok {
		writeError(w, http.StatusNotFound, core.KindNotFound, "block not found")
		return
	}
	writeJSON(w, b)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	page, limit := pageLimit(r)
	writeJSON(w, s.query.Transactions(page, limit))
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := core.HashFromHex(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, core.KindNotFound, "malformed transaction hash")
		return
	}
	tx, ok := s.query.Transaction(hash)
	if !ok {
		writeError(w, http.StatusNotFound, core.KindNotFound, "transaction not found")
		return
	}
	writeJSON(w, tx)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	addr, err := core.AddressFromHex(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, core.KindNotFound, "malformed address")
		return
	}
	acc, ok := s.query.Wallet(addr)
	if !ok {
		writeError(w, http.StatusNotFound, core.KindNotFound, "wallet not found")
		return
	}
	writeJSON(w, acc)
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	page, limit := pageLimit(r)
	writeJSON(w, s.query.Contracts(page, limit))
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	addr, err := core.AddressFromHex(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, core.KindNotFound, "malformed address")
		return
	}
	c, ok := s.query.Contract(addr)
	if !ok {
		writeError(w, http.StatusNotFound, core.KindContractNotFound, "contract not found")
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleValidators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.query.Validators())
}

func (s *Server) handleStakingRecords(w http.ResponseWriter, r *http.Request) {
	page, limit := pageLimit(r)
	writeJSON(w, s.query.StakingRecords(page, limit))
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.query.Nodes())
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	_, limit := pageLimit(r)
	writeJSON(w, s.query.Mempool(limit))
}
