package sim

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

type Server struct {
	market *Market
	log    logr.Logger
}

func NewServer(market *Market, log logr.Logger) *Server {
	return &Server{market: market, log: log}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, httpapi.RequestID)
	r.Get("/health", s.handleHealth)
	r.Get("/market/quote", s.handleQuote)
	r.Post("/orders", s.handleOrder)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "symbols": s.market.Symbols()})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		httpapi.WriteError(w, types.Validationf("symbol is required"))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, s.market.Quote(symbol))
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var order types.OrderIntent
	if err := httpapi.ReadJSON(r, &order); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	fill := s.market.Fill(order)
	s.log.V(1).Info("order filled", "symbol", fill.Symbol, "side", fill.Side, "qty", fill.Qty, "price", fill.AvgPrice)
	httpapi.WriteJSON(w, http.StatusOK, fill)
}
