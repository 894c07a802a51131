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
	"strconv"

	"github.com/blnkfinance/bankfeed"
	model2 "github.com/blnkfinance/bankfeed/api/model"
	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// TriggerSync starts a sync of one account. By default it is queued and
// coalesced with any sync already queued for the account; with "wait" (or
// when no queue is configured) it runs inside the request.
//
// Responses:
// - 202 Accepted: The sync was queued, or one was already queued.
// - 200 OK: The sync ran and its counts are returned.
// - 400 Bad Request: Invalid body.
// - 404 Not Found: Unknown provider.
// - 409 Conflict: A sync for the account is running.
// - 502 Bad Gateway: The provider failed.
func (a Api) TriggerSync(c *gin.Context) {
	var body model2.TriggerSync
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateTriggerSync(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	connectionID := c.Param("connection_id")
	accountID := c.Param("account_id")
	req := body.ToPipelineRequest(connectionID, accountID)

	if _, err := a.bankfeed.Pipeline(body.Provider); err != nil {
		respondError(c, err)
		return
	}

	queue := a.bankfeed.Queue()
	if body.Wait || queue == nil {
		result, err := a.bankfeed.RunSync(c.Request.Context(), body.Provider, req)
		if err != nil {
			if isLockHeld(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "a sync for this account is already running"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	req.CorrelationID = bankfeed.NewCorrelationID()
	queued, err := queue.EnqueueSync(c.Request.Context(), bankfeed.SyncTaskPayload{Provider: body.Provider, PipelineRequest: req})
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.NewAPIError(apierror.ErrInternalServer, "failed to queue sync", err))
		return
	}
	accepted := model2.SyncAccepted{Queued: queued, TaskID: bankfeed.SyncTaskID(connectionID, accountID)}
	if queued {
		accepted.CorrelationID = req.CorrelationID
	}
	c.JSON(http.StatusAccepted, accepted)
}

// ListSyncRuns returns the latest runs of an account, newest first.
func (a Api) ListSyncRuns(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runs, err := a.bankfeed.Datasource().ListSyncRuns(c.Request.Context(), c.Param("connection_id"), c.Param("account_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.DefaultQuery("limit", strconv.Itoa(defaultListLimit))
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, apierror.NewAPIError(apierror.ErrBadRequest, "limit must be a positive integer", nil)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
