package router

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tana_market/internal/model"
	"tana_market/internal/orders"
	"tana_market/internal/store"
)

// listAllOrders 员工订单列表，?status=paid,approved 过滤，?limit= 限制条数。
func listAllOrders(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f store.OrderFilter
		if raw := c.Query("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st := model.OrderStatus(strings.TrimSpace(s))
				if !st.Valid() {
					badRequest(c, "未知订单状态: "+string(st))
					return
				}
				f.Statuses = append(f.Statuses, st)
			}
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				badRequest(c, "limit 无效")
				return
			}
			f.Limit = n
		}
		list, err := svc.ListAll(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

// transition 员工端只带订单 id 的状态迁移。
func transition(op func(c *gin.Context, id string) (model.Order, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := op(c, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func approveOrder(svc *orders.Service) gin.HandlerFunc {
	return transition(func(c *gin.Context, id string) (model.Order, error) {
		return svc.Approve(c.Request.Context(), id)
	})
}

func shipOrder(svc *orders.Service) gin.HandlerFunc {
	return transition(func(c *gin.Context, id string) (model.Order, error) {
		return svc.Ship(c.Request.Context(), id)
	})
}

// deliverOrder 配送时长到了才允许手动确认送达。
func deliverOrder(svc *orders.Service) gin.HandlerFunc {
	return transition(func(c *gin.Context, id string) (model.Order, error) {
		return svc.MarkDelivered(c.Request.Context(), id)
	})
}

func listPaymentAttempts(svc *orders.Service, attempts *store.PaymentAttemptStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Reload(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		list, err := attempts.ListForOrder(c.Request.Context(), o.ID)
		if err != nil {
			fail(c, err)
			return
		}
		type row struct {
			model.PaymentAttempt
			Outcome string `json:"outcome"`
		}
		out := make([]row, 0, len(list))
		for _, a := range list {
			out = append(out, row{PaymentAttempt: a, Outcome: a.Outcome.String()})
		}
		ok(c, out)
	}
}

func listReturns(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.ListReturns(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func approveReturn(svc *orders.Service) gin.HandlerFunc {
	return transition(func(c *gin.Context, id string) (model.Order, error) {
		return svc.ApproveReturn(c.Request.Context(), actor(c).UserID, id)
	})
}

func rejectReturn(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "请填写拒绝原因")
			return
		}
		o, err := svc.RejectReturn(c.Request.Context(), actor(c).UserID, c.Param("id"), req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// markReturned 仓库确认收到退货。
func markReturned(svc *orders.Service) gin.HandlerFunc {
	return transition(func(c *gin.Context, id string) (model.Order, error) {
		return svc.MarkReturned(c.Request.Context(), actor(c).UserID, id)
	})
}

// refundOrder 金额为空退全款。
func refundOrder(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefundAmount    *decimal.Decimal `json:"refundAmount"`
			RefundReference string           `json:"refundReference"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "退款金额格式错误")
				return
			}
		}
		if req.RefundAmount != nil && !req.RefundAmount.IsPositive() {
			badRequest(c, "退款金额必须大于 0")
			return
		}
		o, err := svc.Refund(c.Request.Context(), actor(c).UserID, c.Param("id"), orders.RefundInput{
			Amount:    req.RefundAmount,
			Reference: req.RefundReference,
		})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// revertPending 管理员撤回为待支付，追踪号随之清空。
func revertPending(svc *orders.Service) gin.HandlerFunc {
	return transition(func(c *gin.Context, id string) (model.Order, error) {
		return svc.RevertToPending(c.Request.Context(), actor(c).UserID, id)
	})
}
