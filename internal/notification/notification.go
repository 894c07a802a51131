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

package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Alert is an operator-facing message.
type Alert struct {
	Title  string
	Fields map[string]string
	Time   time.Time
}

// Notifier delivers alerts to a human channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewSlackNotifier(webhookURL string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackNotifier{webhookURL: webhookURL, client: client}
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

// Blocks renders the Slack block-kit payload: a header, one section per
// field in key order, and the alert time.
func (a Alert) Blocks() map[string]interface{} {
	blocks := []slackBlock{{Type: "header", Text: &slackText{Type: "plain_text", Text: a.Title, Emoji: true}}}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		blocks = append(blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", k, a.Fields[k])}}})
	}

	at := a.Time
	if at.IsZero() {
		at = time.Now()
	}
	blocks = append(blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: "*Time:*\n" + at.Format(time.RFC822)}}})
	return map[string]interface{}{"blocks": blocks}
}

func (s *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	if s.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(alert.Blocks())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyError logs systemError and, when a notifier is set, forwards it
// without blocking the caller.
func NotifyError(notifier Notifier, systemError error) {
	logrus.Error(systemError)
	if notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		alert := Alert{Title: "Error From Bankfeed 🐞", Fields: map[string]string{"Error": systemError.Error()}}
		if err := notifier.Notify(ctx, alert); err != nil {
			logrus.WithError(err).Warn("failed to deliver error notification")
		}
	}()
}
