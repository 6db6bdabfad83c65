package api

import (
	"errors"
	"net/http"

	"checkout-service/internal/service"
	"checkout-service/internal/store"

	"github.com/gin-gonic/gin"
)

func (h *Handler) getCart(c *gin.Context) {
	items, err := h.cart.Items(c.Request.Context(), sessionID(c))
	if err != nil {
		h.internalError(c, "Failed to load cart", err)
		return
	}
	c.JSON(http.StatusOK, cartResponse(items))
}

func (h *Handler) addCartItem(c *gin.Context) {
	var form CartItemForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := h.validate.Struct(form); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "Invalid cart item",
			"fields": fieldErrors(err),
		})
		return
	}

	product, err := h.cart.AddItem(c.Request.Context(), sessionID(c), form.ProductID, form.Quantity)
	if err != nil {
		switch {
		case isNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrQuantityLimit):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			h.internalError(c, "Failed to update cart", err)
		}
		return
	}

	items, err := h.cart.Items(c.Request.Context(), sessionID(c))
	if err != nil {
		h.internalError(c, "Failed to load cart", err)
		return
	}

	resp := cartResponse(items)
	resp["message"] = product.Name + " added to cart"
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	productID, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	if err := h.cart.RemoveItem(c.Request.Context(), sessionID(c), productID); err != nil {
		h.internalError(c, "Failed to update cart", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func cartResponse(items []service.LineItem) gin.H {
	if items == nil {
		items = []service.LineItem{}
	}

	count := 0
	for _, item := range items {
		count += item.Quantity
	}
	return gin.H{
		"items": items,
		"count": count,
		"total": service.Total(items),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrProductNotFound)
}
