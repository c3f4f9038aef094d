package orchestrator

import (
	"net/http"
	"strings"

	"github.com/PipeOpsHQ/trusted-trading/internal/httpapi"
	"github.com/PipeOpsHQ/trusted-trading/pipeline"
	"github.com/PipeOpsHQ/trusted-trading/strategy"
	"github.com/PipeOpsHQ/trusted-trading/types"
)

const defaultStrategySymbol = "AAPL"

type ideasRequest struct {
	Symbols []string `json:"symbols"`
}

type ideasResponse struct {
	Ideas   []strategy.Idea  `json:"ideas"`
	Outcome strategy.Outcome `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
}

func (s *Server) handleStrategyIdeas(w http.ResponseWriter, r *http.Request) {
	var req ideasRequest
	if r.ContentLength != 0 {
		if err := httpapi.ReadJSON(r, &req); err != nil {
			httpapi.WriteError(w, err)
			return
		}
	}
	res := s.cfg.Strategist.GatherIdeas(r.Context(), req.Symbols)
	httpapi.WriteJSON(w, http.StatusOK, ideasResponse{Ideas: res.Value, Outcome: res.Outcome, Reason: res.Reason})
}

type decideRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
}

type decideResponse struct {
	Intent  types.OrderIntent `json:"intent"`
	Outcome strategy.Outcome  `json:"outcome"`
	Reason  string            `json:"reason,omitempty"`
}

func (req *decideRequest) normalize() {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		req.Symbol = defaultStrategySymbol
	}
}

func (s *Server) handleStrategyDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	req.normalize()
	res := s.cfg.Strategist.Decide(r.Context(), req.Symbol, req.Side)
	httpapi.WriteJSON(w, http.StatusOK, decideResponse{Intent: res.Value, Outcome: res.Outcome, Reason: res.Reason})
}

type executeRequest struct {
	decideRequest
	Qty       *int   `json:"qty"`
	Live      bool   `json:"live"`
	UserID    string `json:"user_id"`
	ConsentID string `json:"consent_id"`
}

type executeResponse struct {
	pipeline.Result
	Intent  types.OrderIntent `json:"intent"`
	Outcome strategy.Outcome  `json:"outcome"`
}

// handleStrategyExecute decides an intent and runs it through the pipeline,
// in live mode when the request asks for it.
func (s *Server) handleStrategyExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	req.normalize()
	decision := s.cfg.Strategist.Decide(r.Context(), req.Symbol, req.Side)
	intent := decision.Value
	if req.Qty != nil {
		intent.Qty = *req.Qty
	}
	mode := types.ModeSimulate
	if req.Live {
		mode = types.ModeLive
		intent.UserID = req.UserID
		intent.ConsentID = req.ConsentID
	}
	res, err := s.cfg.Pipeline.Execute(r.Context(), mode, intent)
	if err != nil {
		s.writeTrade(w, res, err)
		return
	}
	w.Header().Set("X-Trade-ID", res.TradeID)
	httpapi.WriteJSON(w, http.StatusOK, executeResponse{Result: res, Intent: intent, Outcome: decision.Outcome})
}
