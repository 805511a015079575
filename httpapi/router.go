// Package httpapi is a thin gin-based adapter exposing the submission
// and query contracts of spec §6. Per spec §1 the HTTP surface's
// business logic is explicitly out of scope for the core — this
// package only shapes driver.Driver's methods into HTTP handlers.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tolelom/upbft-dag/driver"
	"github.com/tolelom/upbft-dag/indexer"
)

// Handler holds the single dependency every route needs.
type Handler struct {
	driver *driver.Driver
}

// NewRouter builds a gin.Engine exposing POST /transactions,
// GET /blocks, GET /transactions/:hash, GET /dag and GET /performance.
func NewRouter(d *driver.Driver) *gin.Engine {
	h := &Handler{driver: d}

	r := gin.New()
	r.Use(gin.Recovery(), requestIDMiddleware())

	r.POST("/transactions", h.submitTransaction)
	r.GET("/blocks", h.listBlocks)
	r.GET("/transactions/:hash", h.getTransaction)
	r.GET("/dag", h.getDAG)
	r.GET("/performance", h.performance)

	return r
}

// requestIDMiddleware stamps every response with an X-Request-Id header
// so submission/query calls can be correlated in logs.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-Id", uuid.NewString())
		c.Next()
	}
}

type submitRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

func (h *Handler) submitTransaction(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.driver.Submit(req.TransactionID)
	status := http.StatusOK
	if result.Status != driver.StatusCommitted {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}

func (h *Handler) listBlocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocks": h.driver.ListBlocks()})
}

func (h *Handler) getTransaction(c *gin.Context) {
	hash := c.Param("hash")
	view, err := h.driver.GetTransaction(hash)
	if err != nil {
		if indexer.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) getDAG(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adjacency": h.driver.GetDAG()})
}

func (h *Handler) performance(c *gin.Context) {
	c.JSON(http.StatusOK, h.driver.Performance())
}
