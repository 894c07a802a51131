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

package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blnkfinance/bankfeed/model"
)

const windowDateLayout = "2006-01-02"

// PageRequest asks for one page of an account's transactions. With a Cursor
// the provider continues from it; without one the Start/End window applies.
type PageRequest struct {
	AccountID string
	Cursor    string
	Start     time.Time
	End       time.Time
	Limit     int
}

// FetchTransactions fetches a single page. Cursors that are absolute URLs
// (links.next) are followed as-is; "page:N" cursors become a page query
// parameter on the original window.
func (c *Client) FetchTransactions(ctx context.Context, req PageRequest) (model.Page, error) {
	var page model.Page

	if strings.HasPrefix(req.Cursor, "http://") || strings.HasPrefix(req.Cursor, "https://") {
		err := c.Get(ctx, req.Cursor, nil, &page)
		return page, err
	}

	path := strings.ReplaceAll(c.config.TransactionsPath, "{account_id}", url.PathEscape(req.AccountID))
	err := c.Get(ctx, path, c.pageQuery(req), &page)
	return page, err
}

func (c *Client) pageQuery(req PageRequest) url.Values {
	query := url.Values{}
	limit := req.Limit
	if limit <= 0 || limit > c.config.PageSize {
		limit = c.config.PageSize
	}
	query.Set("limit", strconv.Itoa(limit))

	switch {
	case strings.HasPrefix(req.Cursor, model.PageCursorPrefix):
		query.Set("page", strings.TrimPrefix(req.Cursor, model.PageCursorPrefix))
		setWindow(query, req)
	case req.Cursor != "":
		query.Set("cursor", req.Cursor)
	default:
		setWindow(query, req)
	}
	return query
}

func setWindow(query url.Values, req PageRequest) {
	if !req.Start.IsZero() {
		query.Set("start", req.Start.UTC().Format(windowDateLayout))
	}
	if !req.End.IsZero() {
		query.Set("end", req.End.UTC().Format(windowDateLayout))
	}
}
