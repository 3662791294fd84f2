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
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blnkfinance/flashsale"
	"github.com/blnkfinance/flashsale/api/middleware"
	"github.com/blnkfinance/flashsale/config"
	"github.com/blnkfinance/flashsale/internal/apierror"
	"github.com/blnkfinance/flashsale/model"
)

// Service is the part of the pipeline exposed over HTTP.
type Service interface {
	Purchase(ctx context.Context, req flashsale.PurchaseRequest) (*flashsale.PurchaseResult, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	Preheat(ctx context.Context, itemID, stock int64) (bool, error)
	Remaining(ctx context.Context, itemID int64) (int64, error)
}

type Api struct {
	service Service
	conf    *config.Configuration
	router  *gin.Engine
}

type preheatRequest struct {
	Stock int64 `json:"stock"`
}

func (r preheatRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Stock, validation.Min(int64(0))),
	)
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/purchases", a.Purchase)
	router.GET("/orders/:id", a.GetOrder)
	router.GET("/items/:id/stock", a.GetStock)

	admin := router.Group("/")
	if a.conf.Server.Secure {
		admin.Use(middleware.SecretKeyAuthMiddleware(a.conf))
	}
	admin.POST("/items/:id/preheat", a.PreheatItem)
	return a.router
}

func NewAPI(service Service, conf *config.Configuration) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("flashsale"))
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{service: service, conf: conf, router: r}
}

// respondError writes err as an APIError with the status its code maps to.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apierror.APIError{Code: apierror.ErrInternalServer, Message: "internal server error"}
	}
	c.JSON(apierror.MapErrorToHTTPStatus(err), apiErr)
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apierror.APIError{Code: apierror.ErrInvalidInput, Message: "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (a Api) Purchase(c *gin.Context) {
	var req flashsale.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.APIError{Code: apierror.ErrInvalidInput, Message: err.Error()})
		return
	}

	res, err := a.service.Purchase(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (a Api) GetOrder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	order, err := a.service.GetOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (a Api) GetStock(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	remaining, err := a.service.Remaining(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemId": id, "remaining": remaining})
}

func (a Api) PreheatItem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	var req preheatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.APIError{Code: apierror.ErrInvalidInput, Message: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.APIError{Code: apierror.ErrInvalidInput, Message: err.Error()})
		return
	}

	loaded, err := a.service.Preheat(c.Request.Context(), id, req.Stock)
	if err != nil {
		respondError(c, err)
		return
	}
	if !loaded {
		c.JSON(http.StatusConflict, gin.H{"itemId": id, "loaded": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"itemId": id, "loaded": true, "stock": req.Stock})
}
