package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics serves the Prometheus registry in text exposition format.
func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
