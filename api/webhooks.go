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
	"errors"
	"io"
	"net/http"

	"github.com/blnkfinance/bankfeed"
	redlock "github.com/blnkfinance/bankfeed/internal/lock"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// ReceiveWebhook verifies and dispatches a provider push notification.
// Duplicates are acknowledged with 200. Handler failures answer 500 with
// "retry": true so the provider redelivers.
func (a Api) ReceiveWebhook(c *gin.Context) {
	receiver, err := a.bankfeed.Receiver(c.Param("provider"))
	if err != nil {
		respondError(c, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read webhook body"})
		return
	}

	result, err := receiver.Receive(c.Request.Context(), body,
		c.GetHeader(bankfeed.SignatureHeader), c.GetHeader(bankfeed.TimestampHeader))
	if err != nil {
		if result.Retry {
			c.JSON(http.StatusInternalServerError, result)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func isLockHeld(err error) bool {
	return errors.Is(err, redlock.ErrLockHeld)
}
