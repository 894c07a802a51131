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
	"math"
	"strconv"

	"github.com/blnkfinance/bankfeed/internal/apierror"
	"github.com/gin-gonic/gin"
)

// respondError writes err with the status its code maps to. Provider
// back-pressure is passed on as Retry-After.
func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	apiErr, ok := apierror.As(err)
	if !ok {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if apiErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(apiErr.RetryAfter.Seconds()))))
	}
	c.JSON(status, gin.H{"code": apiErr.Code, "error": apiErr.Message})
}
