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

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawAmount keeps the literal text of a provider amount. Providers send minor
// units either as JSON numbers or as quoted strings; parsing is left to the
// transformer so a bad amount rejects one record instead of a whole page.
type RawAmount string

func (a *RawAmount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = RawAmount(strings.TrimSpace(s))
		return nil
	}
	*a = RawAmount(data)
	return nil
}

func (a RawAmount) MarshalJSON() ([]byte, error) {
	if a == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(a))
}

// RawCounterparty is the counterparty block some providers attach to a transaction.
type RawCounterparty struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

func (c *RawCounterparty) IsEmpty() bool {
	return c == nil || (c.Name == "" && c.AccountNumber == "" && c.BankName == "")
}

// RawMeta is the typed view over the provider's free-form meta object.
// Keys it does not understand are kept in Extra.
type RawMeta struct {
	Reversed              bool
	OriginalTransactionID string
	Hold                  bool
	Extra                 map[string]interface{}
}

var (
	reversalKeys = []string{"reversed", "is_reversal", "reversal"}
	originalKeys = []string{"original_transaction_id", "original_reference", "reversed_transaction"}
	holdKeys     = []string{"hold", "is_hold", "pending_hold"}
)

func (m *RawMeta) UnmarshalJSON(data []byte) error {
	var bag map[string]interface{}
	if err := json.Unmarshal(data, &bag); err != nil {
		return fmt.Errorf("meta must be an object: %w", err)
	}
	m.Extra = make(map[string]interface{})
	for key, value := range bag {
		switch {
		case contains(reversalKeys, key):
			m.Reversed = m.Reversed || truthy(value)
		case contains(holdKeys, key):
			m.Hold = m.Hold || truthy(value)
		case contains(originalKeys, key):
			if s, ok := value.(string); ok && m.OriginalTransactionID == "" {
				m.OriginalTransactionID = strings.TrimSpace(s)
			}
		default:
			m.Extra[key] = value
		}
	}
	return nil
}

// RawTransaction is one item of a provider transactions page.
type RawTransaction struct {
	ID           string           `json:"id"`
	Account      string           `json:"account"`
	Amount       RawAmount        `json:"amount"`
	Currency     string           `json:"currency"`
	Type         string           `json:"type"`
	Date         string           `json:"date"`
	ValueDate    string           `json:"value_date"`
	Narration    string           `json:"narration"`
	Description  string           `json:"description"`
	Reference    string           `json:"reference"`
	Category     string           `json:"category"`
	Status       string           `json:"status"`
	Balance      RawAmount        `json:"balance"`
	Counterparty *RawCounterparty `json:"counterparty,omitempty"`
	Meta         *RawMeta         `json:"meta,omitempty"`
	Hold         bool             `json:"is_hold"`
}

// IsHold reports whether the provider flagged the item as an authorization placeholder.
func (r RawTransaction) IsHold() bool {
	return r.Hold || (r.Meta != nil && r.Meta.Hold)
}

// Page is a provider transactions response: {"paging": {...}, "data": [...]}.
type Page struct {
	Paging Paging            `json:"paging"`
	Data   []json.RawMessage `json:"data"`
}

// PagingLinks carries the nested links convention ({"links": {"next": "..."}}).
type PagingLinks struct {
	Next string `json:"next"`
}

// Paging covers the three continuation conventions seen across providers:
// a token (next, cursor, next_cursor), nested links.next, or page/pages counters.
type Paging struct {
	Next      string       `json:"next"`
	Cursor    string       `json:"cursor"`
	NextToken string       `json:"next_cursor"`
	Links     *PagingLinks `json:"links,omitempty"`
	Page      *int         `json:"page,omitempty"`
	Pages     *int         `json:"pages,omitempty"`
	Total     *int         `json:"total,omitempty"`
}

// PageCursorPrefix marks cursors synthesized from page/pages counters.
const PageCursorPrefix = "page:"

const pinSeparator = "|"

// IsPageCursor reports whether cursor was synthesized from page/pages counters.
// Such a cursor only means something for the date window it was issued under.
func IsPageCursor(cursor string) bool {
	return strings.HasPrefix(cursor, PageCursorPrefix)
}

// PinPageCursor binds a page cursor to its date window so a later run can
// resume the same window. Other cursors are returned unchanged.
func PinPageCursor(cursor string, start, end time.Time) string {
	if !IsPageCursor(cursor) {
		return cursor
	}
	return strings.Join([]string{cursor, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)}, pinSeparator)
}

// UnpinPageCursor splits a cursor written by PinPageCursor. ok is false for
// any other cursor, which is returned as-is.
func UnpinPageCursor(cursor string) (page string, start, end time.Time, ok bool) {
	parts := strings.Split(cursor, pinSeparator)
	if len(parts) != 3 || !IsPageCursor(parts[0]) {
		return cursor, time.Time{}, time.Time{}, false
	}
	start, errStart := time.Parse(time.RFC3339, parts[1])
	end, errEnd := time.Parse(time.RFC3339, parts[2])
	if errStart != nil || errEnd != nil {
		return cursor, time.Time{}, time.Time{}, false
	}
	return parts[0], start, end, true
}

// NextCursor extracts the continuation token. Tokens are tried first, then
// links.next, then numeric counters. An empty result means the feed is drained.
func (p Paging) NextCursor() string {
	for _, token := range []string{p.Next, p.Cursor, p.NextToken} {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	if p.Links != nil && strings.TrimSpace(p.Links.Next) != "" {
		return strings.TrimSpace(p.Links.Next)
	}
	if p.Page != nil && p.Pages != nil && *p.Page < *p.Pages {
		return PageCursorPrefix + strconv.Itoa(*p.Page+1)
	}
	return ""
}

func contains(list []string, key string) bool {
	for _, k := range list {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	}
	return false
}
