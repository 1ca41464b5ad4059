package api

import (
	"fmt"

	"github.com/pulsehq/pulse/config"

	"github.com/pulsehq/pulse/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/pulsehq/pulse"
)

type Api struct {
	pulse  *pulse.Pulse
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/statuses", a.CreateOrUpdateStatus)
	router.GET("/statuses/:owner_id", a.GetActiveStatus)
	router.GET("/statuses/:owner_id/history", a.GetStatusHistory)
	router.DELETE("/statuses/:owner_id/:parent_id", a.SoftDeleteStatus)
	return a.router
}

func NewAPI(p *pulse.Pulse) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	r.POST("/webhook", func(c *gin.Context) {
		var payload map[string]interface{}
		err := c.Bind(&payload)
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Println(payload)
		c.JSON(200, "webhook received")
	})

	return &Api{pulse: p, router: r}
}
