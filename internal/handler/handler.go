package handler

import (
	"errors"
	"strconv"

	"bezsettle/internal/apperr"
	"bezsettle/internal/model"
	"bezsettle/internal/service"
	"bezsettle/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	meter      *service.MeterService
	escrow     *service.EscrowService
	settlement *service.SettlementService
	limiter    *AccountLimiter
	log        *zap.Logger
}

func NewHandler(
	meter *service.MeterService,
	escrow *service.EscrowService,
	settlement *service.SettlementService,
	limiter *AccountLimiter,
	log *zap.Logger,
) *Handler {
	return &Handler{
		meter:      meter,
		escrow:     escrow,
		settlement: settlement,
		limiter:    limiter,
		log:        log,
	}
}

// writeError 把 apperr 分类映射成响应码
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		response.ParamError(c, err.Error())
	case errors.Is(err, apperr.ErrInsufficientCredit):
		response.BusinessError(c, response.CodeInsufficientCredit, err.Error())
	case errors.Is(err, apperr.ErrStateConflict):
		response.BusinessError(c, response.CodeStateConflict, err.Error())
	case errors.Is(err, apperr.ErrDeadlineExpired):
		response.BusinessError(c, response.CodeDeadlineExpired, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		response.Error(c, response.CodeNotFound, err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		response.Error(c, response.CodeForbidden, err.Error())
	case errors.Is(err, apperr.ErrSettlementFailed):
		response.BusinessError(c, response.CodeSettlementDelayed, err.Error())
	default:
		h.log.Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 聊天计费
// ============================================================

// GetBalance 查询积分余额
// GET /api/v1/credit/balance?account_id=0x...
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Query("account_id")
	balance, err := h.meter.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id":      service.NormalizeAccountID(accountID),
		"balance":         balance,
		"words_available": h.meter.CreditsToWords(balance),
	})
}

// History 积分流水
// GET /api/v1/credit/history?account_id=0x...&page=1&page_size=20
func (h *Handler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	history, err := h.meter.History(c.Request.Context(), c.Query("account_id"), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, history)
}

// ChatMessage 按词数扣费
// POST /api/v1/chat/message
//
// 余额不足不是错误：返回 allowed=false，调用方据此拦截消息
func (h *Handler) ChatMessage(c *gin.Context) {
	var req service.ConsumptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if !h.limiter.Allow(service.NormalizeAccountID(req.AccountID)) {
		response.Error(c, response.CodeTooManyReqs, "发送过于频繁，请稍后再试")
		return
	}

	result, err := h.meter.Consume(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !result.Allowed {
		response.ErrorWithData(c, response.CodeInsufficientCredit, apperr.ErrInsufficientCredit.Error(), result)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 链上购买与提现
// ============================================================

// Purchase 提交链上购买交易
// POST /api/v1/credit/purchase
func (h *Handler) Purchase(c *gin.Context) {
	h.transfer(c, model.SettlementDirectionIn)
}

// Withdraw 提现积分到钱包
// POST /api/v1/credit/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	h.transfer(c, model.SettlementDirectionOut)
}

func (h *Handler) transfer(c *gin.Context, direction string) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.Direction = direction

	result, err := h.settlement.RequestOnChainTransfer(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GetSettlement 查询结算单
// GET /api/v1/settlement/:reference
func (h *Handler) GetSettlement(c *gin.Context) {
	st, err := h.settlement.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, st)
}

// ReconcileSettlement 立即查询回执，不等 worker
// POST /api/v1/settlement/:reference/reconcile
func (h *Handler) ReconcileSettlement(c *gin.Context) {
	st, err := h.settlement.Reconcile(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, st)
}

// ============================================================
// 质量托管
// ============================================================

// CreateEscrow 创建托管并锁定资金
// POST /api/v1/escrow/create
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req service.EscrowCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.escrow.Create(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// GetEscrow 托管详情
// GET /api/v1/escrow/:escrow_no
func (h *Handler) GetEscrow(c *gin.Context) {
	record, err := h.escrow.Get(c.Request.Context(), c.Param("escrow_no"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, record)
}

// SubmitScore 提交质量评分
// POST /api/v1/escrow/:escrow_no/score
//
// 状态已确定但资金划转还在补偿中时返回 1009，data 中带有结果
func (h *Handler) SubmitScore(c *gin.Context) {
	var req service.ScoreSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.EscrowNo = c.Param("escrow_no")

	result, err := h.escrow.SubmitScore(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if result.SettlementStatus == model.EscrowSettlementPending {
		response.ErrorWithData(c, response.CodeSettlementDelayed, "资金划转延迟，将自动补偿", result)
		return
	}
	response.Success(c, result)
}

// Dispute 付款方或收款方发起争议
// POST /api/v1/escrow/:escrow_no/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req service.DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.EscrowNo = c.Param("escrow_no")

	result, err := h.escrow.Dispute(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, result)
}

// Arbitrate 仲裁员给出最终结果
// POST /api/v1/escrow/:escrow_no/arbitrate
func (h *Handler) Arbitrate(c *gin.Context) {
	var req service.ArbitrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.EscrowNo = c.Param("escrow_no")

	result, err := h.escrow.Arbitrate(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if result.SettlementStatus == model.EscrowSettlementPending {
		response.ErrorWithData(c, response.CodeSettlementDelayed, "资金划转延迟，将自动补偿", result)
		return
	}
	response.Success(c, result)
}

// EscrowStats 各状态托管数量
// GET /api/v1/escrow/stats
func (h *Handler) EscrowStats(c *gin.Context) {
	stats, err := h.escrow.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, stats)
}

// Reputation 收款方信誉
// GET /api/v1/escrow/reputation/:address
func (h *Handler) Reputation(c *gin.Context) {
	summary, err := h.escrow.Reputation(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// Leaderboard 信誉排行榜
// GET /api/v1/escrow/leaderboard?limit=100
func (h *Handler) Leaderboard(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	board, err := h.escrow.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, board)
}
