package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tana_market/internal/orders"
	"tana_market/internal/payment"
)

// paymentWebhook 网关回调（浏览器跳转）。无论成败都重定向回前端订单页。
// 网关 GET 回调用 trx_ref，POST 用 tx_ref，两种都认。
func paymentWebhook(p *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TxRef  string `json:"tx_ref" form:"tx_ref"`
			TrxRef string `json:"trx_ref" form:"trx_ref"`
			Status string `json:"status" form:"status"`
		}
		_ = c.ShouldBind(&req)
		if req.TxRef == "" {
			req.TxRef = req.TrxRef
		}
		c.Redirect(http.StatusFound, p.Webhook(c.Request.Context(), req.TxRef, req.Status))
	}
}

// autoVerify 前端跳回后自动验证，"尚未到账" 也返回 200。
func autoVerify(p *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TxRef   string `json:"tx_ref"`
			OrderID string `json:"orderId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "请求格式错误"})
			return
		}
		res, err := p.AutoVerify(c.Request.Context(), req.TxRef, req.OrderID)
		if err != nil {
			verifyError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func manualVerify(p *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := p.ManualVerify(c.Request.Context(), actor(c), strings.TrimSpace(c.Param("txRef")))
		if err != nil {
			verifyError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// verifyError 对账接口保持 {success, message} 结构。
func verifyError(c *gin.Context, err error) {
	status, msg := classify(err)
	switch {
	case errors.Is(err, payment.ErrInvalidInput):
		msg = "tx_ref 或 orderId 必填"
	case errors.Is(err, orders.ErrNotFound):
		msg = "未找到对应订单"
	case status >= http.StatusInternalServerError:
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"success": false, "message": msg})
}

func initializePayment(p *payment.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID string `json:"orderId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		co, err := p.Initialize(c.Request.Context(), actor(c), req.OrderID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, co)
	}
}
