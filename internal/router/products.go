package router

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tana_market/internal/model"
	"tana_market/internal/store"
)

// listProducts 查询上架商品。
func listProducts(products *store.ProductStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := products.ListActive(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

// createProduct 员工新增商品。
func createProduct(products *store.ProductStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name  string          `json:"name" binding:"required"`
			Price decimal.Decimal `json:"price"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		if !req.Price.IsPositive() {
			badRequest(c, "价格必须大于 0")
			return
		}
		p := &model.Product{Name: req.Name, Price: req.Price.Round(2), Active: true}
		if err := products.Create(c.Request.Context(), p); err != nil {
			fail(c, err)
			return
		}
		ok(c, p)
	}
}
