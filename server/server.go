// Package server exposes the donation endpoint. It accepts one encoded
// Cashu token per request, swaps it through its mint and, once the
// wallet balance crosses the configured threshold, melts the balance to
// the configured Lightning address. Accepting the donation and melting
// are decoupled failure domains: a failed melt never fails the request.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"nutjar/cashu"
	"nutjar/internal/config"
	"nutjar/internal/logger"
	"nutjar/lightning"
	"nutjar/wallet"
	"nutjar/wallet/storage"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	msgThankYou         = "thank you"
	msgMissingToken     = "Missing token"
	msgTokenFailed      = "Token processing failed"
	msgUnexpected       = "Internal server error"
	msgMethodNotAllowed = "Method not allowed"
)

type Server struct {
	cfg      *config.Config
	db       storage.DB
	log      *logger.Logger
	resolver *lightning.AddressResolver

	httpServer *http.Server
}

func New(cfg *config.Config, db storage.DB, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		db:       db,
		log:      log,
		resolver: lightning.NewAddressResolver(cfg.Timeout(), cfg.LNURLScheme),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDonation).Methods(http.MethodPost)
	r.HandleFunc("/donate", s.handleDonation).Methods(http.MethodPost)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeResponse(rw, http.StatusMethodNotAllowed, statusError, msgMethodNotAllowed)
	})
	r.Use(s.recoverer)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("donation endpoint listening on %v", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleDonation(rw http.ResponseWriter, req *http.Request) {
	tokenStr := tokenFromRequest(req)
	if tokenStr == "" {
		s.log.Error("received request with missing token")
		writeResponse(rw, http.StatusBadRequest, statusError, msgMissingToken)
		return
	}

	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		s.log.Error("error decoding token: %v", err)
		writeResponse(rw, http.StatusInternalServerError, statusError, msgTokenFailed)
		return
	}

	s.log.Info("received donation of %v %v via mint %v", token.Amount(), token.Unit(), token.Mint())

	ctx := req.Context()
	unit := cashu.Unit(token.Unit())
	w, err := wallet.LoadWallet(ctx, wallet.Config{
		Mnemonic: s.cfg.Mnemonic,
		MintURL:  token.Mint(),
		Unit:     unit,
		DB:       s.db,
		Timeout:  s.cfg.Timeout(),
	})
	if err != nil {
		s.log.Error("error loading wallet for mint %v: %v", token.Mint(), err)
		writeResponse(rw, http.StatusInternalServerError, statusError, msgTokenFailed)
		return
	}

	amount, err := w.Receive(ctx, token)
	if err != nil {
		s.log.Error("error receiving token: %v", err)
		writeResponse(rw, http.StatusInternalServerError, statusError, msgTokenFailed)
		return
	}
	s.log.Success("swap completed: %v %v added to wallet %v", amount, unit, w.Id())

	// the donation is accepted from here on. melt failures are logged
	// and swallowed, the response is already decided.
	s.maybeMelt(req, w)

	writeResponse(rw, http.StatusOK, statusSuccess, msgThankYou)
}

func (s *Server) maybeMelt(req *http.Request, w *wallet.Wallet) {
	balance, err := w.Balance()
	if err != nil {
		s.log.Error("error reading balance of wallet %v: %v", w.Id(), err)
		return
	}
	s.log.Info("wallet %v balance: %v %v", w.Id(), balance, w.Unit())

	threshold := s.cfg.Threshold(w.Unit().String())
	meltAmount := wallet.MeltAmount(balance, threshold)
	if meltAmount == 0 {
		return
	}

	if w.Unit() != cashu.Sat {
		s.log.Error("melt threshold reached for wallet %v but auto-melt only supports sat wallets", w.Id())
		return
	}

	ctx := req.Context()
	s.log.Info("melt attempt initiated: %v sat from wallet %v to %v",
		meltAmount, w.Id(), s.cfg.LightningAddress)

	invoice, err := s.resolver.Invoice(ctx, s.cfg.LightningAddress, meltAmount)
	if err != nil {
		s.log.Error("melt failed: %v", err)
		return
	}

	result, err := w.Melt(ctx, invoice)
	if err != nil {
		s.log.Error("melt failed: %v", err)
		return
	}
	if !result.Paid {
		s.log.Error("melt failed: mint could not pay the invoice")
		return
	}

	s.log.Success("melt completed: %v sat paid (fee %v, preimage %v)",
		meltAmount, result.Fee, result.Preimage)
}

// tokenFromRequest reads the token from a JSON body or a form field.
func tokenFromRequest(req *http.Request) string {
	contentType := req.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return ""
		}
		return body.Token
	}

	if err := req.ParseForm(); err != nil {
		return ""
	}
	return req.PostFormValue("token")
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("unexpected error handling request: %v", r)
				writeResponse(rw, http.StatusInternalServerError, statusError, msgUnexpected)
			}
		}()
		next.ServeHTTP(rw, req)
	})
}

func writeResponse(rw http.ResponseWriter, code int, status, message string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(map[string]string{
		"status":  status,
		"message": message,
	})
}
