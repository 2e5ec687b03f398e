package api

import (
	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)
	r.GET("/languages", h.Languages)

	r.POST("/evaluations", h.CreateEvaluation)
	r.POST("/evaluations/plan", h.PlanEvaluation)
	r.GET("/evaluations/:id", h.GetEvaluation)
}
