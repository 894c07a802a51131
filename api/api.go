/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/blnkfinance/bankfeed"
	"github.com/blnkfinance/bankfeed/api/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	bankfeed *bankfeed.Bankfeed
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/webhooks/:provider", a.ReceiveWebhook)

	router.POST("/connections/:connection_id/accounts/:account_id/sync", a.TriggerSync)
	router.GET("/connections/:connection_id/accounts/:account_id/runs", a.ListSyncRuns)

	router.GET("/accounts/:account_id/transactions", a.ListTransactions)
	router.GET("/transactions/:id", a.GetTransaction)
	return a.router
}

// NewAPI builds the gin engine. Webhook routes authenticate by signature;
// every other route requires the server secret key when secure mode is on.
func NewAPI(b *bankfeed.Bankfeed) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := b.Config()

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger())
	r.Use(otelgin.Middleware(serviceName(conf.ProjectName)))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{bankfeed: b, router: r}
}

func serviceName(projectName string) string {
	if projectName == "" {
		return "bankfeed"
	}
	return projectName
}
