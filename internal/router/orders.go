package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tana_market/internal/orders"
)

func createOrder(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orders.CreateInput
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		o, err := svc.Create(c.Request.Context(), actor(c).UserID, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// listMyOrders 当前用户的订单，新的在前。
func listMyOrders(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.ListForUser(c.Request.Context(), actor(c).UserID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func getOrder(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), actor(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// trackOrder 先按追踪号，再按订单 id。
func trackOrder(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Lookup(c.Request.Context(), actor(c), c.Param("ref"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// cancelOrder 只能取消自己未支付的订单，取消后订单被删除。
func cancelOrder(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Cancel(c.Request.Context(), actor(c).UserID, c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "订单已取消"})
	}
}

func requestReturn(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "请填写退货原因")
			return
		}
		o, err := svc.RequestReturn(c.Request.Context(), actor(c).UserID, c.Param("id"), req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func getReturn(svc *orders.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rr, err := svc.GetReturn(c.Request.Context(), actor(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rr)
	}
}
