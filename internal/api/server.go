package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mystikonetwork/mystiko-backend/internal/config"
	"github.com/mystikonetwork/mystiko-backend/internal/journal"
	"github.com/mystikonetwork/mystiko-backend/internal/txmanager"
)

// TxManager is the part of *txmanager.Manager the HTTP surface uses.
type TxManager interface {
	ChainID() uint64
	Address() common.Address
	SupportsEIP1559() bool
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, req txmanager.Request) (uint64, error)
	Send(ctx context.Context, req txmanager.Request) (common.Hash, error)
	Confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	managers map[uint64]TxManager
	journal  *journal.Store
}

func NewServer(cfg *config.Config, logger *slog.Logger, managers map[uint64]TxManager, store *journal.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger, managers: managers, journal: store}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/gas-price", s.withAuth(s.handleGasPrice))
	mux.HandleFunc("/estimate", s.withAuth(s.handleEstimate))
	mux.HandleFunc("/send", s.withAuth(s.handleSend))
	mux.HandleFunc("/confirm", s.withAuth(s.handleConfirm))
	mux.HandleFunc("/txs", s.withAuth(s.handleTxs))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chains := make([]map[string]interface{}, 0, len(s.managers))
	for id, m := range s.managers {
		chains = append(chains, map[string]interface{}{
			"chain_id": id,
			"eip1559":  m.SupportsEIP1559(),
			"account":  m.Address().Hex(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "chains": chains})
}

func (s *Server) handleGasPrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	chainID, err := strconv.ParseUint(r.URL.Query().Get("chain_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chain_id")
		return
	}
	m, ok := s.managers[chainID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain_id")
		return
	}
	price, err := m.GasPrice(r.Context())
	if err != nil {
		s.writeTxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain_id":  chainID,
		"gas_price": price.String(),
		"gwei":      txmanager.FormatUnits(price, txmanager.GweiDecimals),
		"eip1559":   m.SupportsEIP1559(),
	})
}

type txRequest struct {
	ChainID  uint64 `json:"chain_id"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gas_limit"`
	MaxPrice string `json:"max_price"`
}

func (s *Server) parseTxRequest(r *http.Request, requirePrice bool) (TxManager, txmanager.Request, error) {
	var body txRequest
	if err := readJSON(r, &body); err != nil {
		return nil, txmanager.Request{}, err
	}
	m, ok := s.managers[body.ChainID]
	if !ok {
		return nil, txmanager.Request{}, errUnknownChain
	}
	to, err := parseAddress(body.To)
	if err != nil {
		return nil, txmanager.Request{}, err
	}
	req := txmanager.Request{To: to, GasLimit: body.GasLimit}
	if body.Data != "" {
		if req.Data, err = hexutil.Decode(body.Data); err != nil {
			return nil, txmanager.Request{}, errors.New("invalid data")
		}
	}
	if body.Value != "" {
		if req.Value, err = txmanager.ParseBig(body.Value); err != nil {
			return nil, txmanager.Request{}, errors.New("invalid value")
		}
	}
	if body.MaxPrice != "" {
		if req.MaxPrice, err = txmanager.ParseBig(body.MaxPrice); err != nil {
			return nil, txmanager.Request{}, errors.New("invalid max_price")
		}
	} else if requirePrice {
		return nil, txmanager.Request{}, errors.New("max_price is required")
	}
	return m, req, nil
}

var errUnknownChain = errors.New("unknown chain_id")

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, req, err := s.parseTxRequest(r, false)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	gas, err := m.EstimateGas(r.Context(), req)
	if err != nil {
		s.writeTxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain_id": m.ChainID(), "gas": gas})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, req, err := s.parseTxRequest(r, true)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	hash, sendErr := m.Send(r.Context(), req)
	if sendErr != nil && hash == (common.Hash{}) {
		s.writeTxError(w, sendErr)
		return
	}
	// A hash returned with an error was broadcast before ctx ended.
	entry := journal.Entry{
		ChainID:  m.ChainID(),
		TxHash:   hash.Hex(),
		From:     m.Address().Hex(),
		To:       req.To.Hex(),
		MaxPrice: req.MaxPrice.String(),
		Outcome:  "sent",
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	entry, err = s.journal.Record(entry)
	if err != nil {
		s.logger.Error("journal record failed", "chain_id", m.ChainID(), "tx_hash", hash.Hex(), "error", err)
	}
	if sendErr != nil {
		status := s.txErrorStatus(sendErr)
		writeJSON(w, status, map[string]interface{}{"error": sendErr.Error(), "chain_id": m.ChainID(), "tx_hash": hash.Hex(), "id": entry.ID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain_id": m.ChainID(), "tx_hash": hash.Hex(), "id": entry.ID})
}

type confirmRequest struct {
	ChainID uint64 `json:"chain_id"`
	TxHash  string `json:"tx_hash"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req confirmRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, ok := s.managers[req.ChainID]
	if !ok {
		writeError(w, http.StatusNotFound, errUnknownChain.Error())
		return
	}
	b, err := hexutil.Decode(req.TxHash)
	if err != nil || len(b) != common.HashLength {
		writeError(w, http.StatusBadRequest, "invalid tx_hash")
		return
	}
	hash := common.BytesToHash(b)

	receipt, err := m.Confirm(r.Context(), hash)
	outcome := txmanager.OutcomeOf(err)
	if outcome == txmanager.OutcomeUnknown {
		s.writeTxError(w, err)
		return
	}
	if jerr := s.journal.SetOutcome(req.ChainID, hash.Hex(), outcome.String(), err); jerr != nil && !errors.Is(jerr, journal.ErrNotFound) {
		s.logger.Error("journal update failed", "chain_id", req.ChainID, "tx_hash", hash.Hex(), "error", jerr)
	}
	resp := map[string]interface{}{
		"chain_id": req.ChainID,
		"tx_hash":  hash.Hex(),
		"outcome":  outcome.String(),
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	if receipt != nil {
		resp["block_number"] = receipt.BlockNumber.String()
		resp["gas_used"] = receipt.GasUsed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTxs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var chainID uint64
	if v := r.URL.Query().Get("chain_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chain_id")
			return
		}
		chainID = id
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"txs": s.journal.List(chainID)})
}

func (s *Server) writeTxError(w http.ResponseWriter, err error) {
	writeError(w, s.txErrorStatus(err), err.Error())
}

func (s *Server) txErrorStatus(err error) int {
	var (
		gasErr   *txmanager.GasPriceError
		estErr   *txmanager.EstimateGasError
		sendErr  *txmanager.SendTxError
		nonceErr *txmanager.NonceError
		status   int
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	case errors.As(err, &gasErr) && errors.Is(err, txmanager.ErrPriceAboveMax):
		status = http.StatusConflict
	case errors.As(err, &estErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &gasErr), errors.As(err, &sendErr), errors.As(err, &nonceErr):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	s.logger.Warn("tx request failed", "status", status, "error", err)
	return status
}

func writeRequestError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnknownChain) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, errors.New("address is required")
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(value), nil
}
