package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shadow-olj/a101-ai-trader/internal/audit"
	"github.com/shadow-olj/a101-ai-trader/internal/execution"
	"github.com/shadow-olj/a101-ai-trader/internal/intent"
	"github.com/shadow-olj/a101-ai-trader/internal/risk"
)

type commandRequest struct {
	Command string `json:"command"`
	Account string `json:"account,omitempty"`
	Confirm bool   `json:"confirm,omitempty"`
}

type commandResponse struct {
	Success   bool                `json:"success"`
	CommandID string              `json:"command_id,omitempty"`
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Intent    *intent.Intent      `json:"intent,omitempty"`
	Usage     *risk.UsageSnapshot `json:"usage,omitempty"`
	Data      interface{}         `json:"data,omitempty"`
}

type riskStatsResponse struct {
	Account        string  `json:"account"`
	Date           string  `json:"date"`
	TradesExecuted int     `json:"trades_executed"`
	MaxDailyTrades int     `json:"max_daily_trades"`
	TradesLeft     int     `json:"trades_remaining"`
	RealizedLoss   float64 `json:"realized_loss"`
	MaxDailyLoss   float64 `json:"max_daily_loss"`
	LossBudgetLeft float64 `json:"loss_budget_remaining"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCommand 是指令主入口：解析、风控评估、执行、留痕。
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, commandResponse{
			Status:  "error",
			Message: "invalid request body",
		})
		return
	}

	if strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, commandResponse{
			Status:  "error",
			Message: "command is required",
		})
		return
	}

	account := strings.TrimSpace(req.Account)
	if account == "" {
		account = defaultAccount
	}

	ctx := r.Context()

	parsed, err := s.parser.Parse(ctx, req.Command)
	if err != nil {
		s.logger.Warn("指令解析失败", zap.String("account", account), zap.Error(err))
		writeJSON(w, http.StatusOK, commandResponse{
			Status:  "error",
			Message: "Unable to understand command, please rephrase",
		})
		return
	}

	decision, err := s.engine.Evaluate(ctx, account, parsed, req.Confirm)
	if err != nil {
		s.logger.Error("风控评估失败", zap.String("account", account), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, commandResponse{
			Status:  "error",
			Message: "risk evaluation failed",
		})
		return
	}

	s.recordDecision(r, decision)

	resp := commandResponse{
		CommandID: decision.ID,
		Intent:    &decision.Intent,
		Usage:     &decision.Usage,
	}

	switch decision.Outcome {
	case risk.OutcomeRejected:
		resp.Status = string(risk.OutcomeRejected)
		resp.Reason = string(decision.Reason)
		resp.Message = decision.Message
		writeJSON(w, http.StatusOK, resp)
		return

	case risk.OutcomeRequiresConfirmation:
		resp.Status = string(risk.OutcomeRequiresConfirmation)
		resp.Reason = string(decision.Reason)
		resp.Message = decision.Message
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if parsed.Action.IsQuery() {
		data, queryErr := s.runQuery(r, account, parsed)
		if queryErr != nil {
			s.logger.Error("查询执行失败",
				zap.String("account", account),
				zap.String("action", string(parsed.Action)),
				zap.Error(queryErr),
			)
			resp.Status = "error"
			resp.Message = "query failed: " + queryErr.Error()
			writeJSON(w, http.StatusBadGateway, resp)
			return
		}

		resp.Success = true
		resp.Status = "ok"
		resp.Data = data
		writeJSON(w, http.StatusOK, resp)
		return
	}

	result, execErr := s.executor.Execute(ctx, decision)
	if execErr != nil {
		s.logger.Error("指令执行异常", zap.String("command_id", decision.ID), zap.Error(execErr))
		resp.Status = "error"
		resp.Message = "execution failed"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	resp.Status = string(result.Outcome)
	resp.Message = result.Message
	if result.Outcome == execution.OutcomeExecuted {
		resp.Success = true
		resp.Data = result.Fill
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runQuery(r *http.Request, account string, it intent.Intent) (interface{}, error) {
	ctx := r.Context()

	switch it.Action {
	case intent.ActionQueryPrice:
		return s.market.FetchTicker(ctx, it.Symbol)
	case intent.ActionQueryPosition:
		return s.market.FetchPositions(ctx, it.Symbol)
	case intent.ActionQueryBalance:
		return s.market.FetchBalance(ctx)
	case intent.ActionQueryHistory:
		return s.auditor.List(ctx, account, 20)
	default:
		return nil, nil
	}
}

func (s *Server) recordDecision(r *http.Request, decision risk.Decision) {
	payload, err := json.Marshal(decision.Intent)
	if err != nil {
		payload = nil
	}

	s.auditor.AppendAsyncSafe(r.Context(), audit.Record{
		CommandID:  decision.ID,
		Account:    decision.Account,
		Stage:      audit.StageDecision,
		Intent:     payload,
		Outcome:    string(decision.Outcome),
		Reason:     string(decision.Reason),
		Detail:     decision.Message,
		OccurredAt: decision.EvaluatedAt,
	})
}

func (s *Server) handleRiskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	account := strings.TrimSpace(r.URL.Query().Get("account"))
	if account == "" {
		account = defaultAccount
	}

	snapshot, err := s.engine.Ledger().Snapshot(r.Context(), account)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	limits := s.engine.Limits()

	tradesLeft := limits.MaxDailyTrades - snapshot.TradesExecuted
	if tradesLeft < 0 {
		tradesLeft = 0
	}
	lossLeft := limits.MaxDailyLoss - snapshot.RealizedLoss
	if lossLeft < 0 {
		lossLeft = 0
	}

	writeJSON(w, http.StatusOK, riskStatsResponse{
		Account:        account,
		Date:           snapshot.UsageDate,
		TradesExecuted: snapshot.TradesExecuted,
		MaxDailyTrades: limits.MaxDailyTrades,
		TradesLeft:     tradesLeft,
		RealizedLoss:   snapshot.RealizedLoss,
		MaxDailyLoss:   limits.MaxDailyLoss,
		LossBudgetLeft: lossLeft,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	if commandID := strings.TrimSpace(q.Get("command_id")); commandID != "" {
		records, err := s.auditor.ListByCommand(r.Context(), commandID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	account := strings.TrimSpace(q.Get("account"))

	limit := 50
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 500 {
				v = 500
			}
			limit = v
		}
	}

	records, err := s.auditor.List(r.Context(), account, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))

	positions, err := s.market.FetchPositions(r.Context(), symbol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	balance, err := s.market.FetchBalance(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.predictor == nil {
		http.Error(w, "prediction disabled", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	prediction, err := s.predictor.Predict(r.Context(), req.Symbol)
	if err != nil {
		s.logger.Error("市场预测失败", zap.String("symbol", req.Symbol), zap.Error(err))
		http.Error(w, "prediction failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, prediction)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
