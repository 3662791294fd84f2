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
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/blnkfinance/flashsale/config"
	"github.com/blnkfinance/flashsale/internal/request"
	"github.com/sirupsen/logrus"
)

const slackTimeout = 5 * time.Second

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

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(title string, fields map[string]string, at time.Time) slackMessage {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	blocks := []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: title, Emoji: true},
	}}
	for _, k := range keys {
		blocks = append(blocks, slackBlock{
			Type:   "section",
			Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", k, fields[k])}},
		})
	}
	blocks = append(blocks, slackBlock{
		Type:   "section",
		Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", at.Format(time.RFC822))}},
	})
	return slackMessage{Blocks: blocks}
}

// SlackNotification posts an alert to a Slack incoming webhook.
func SlackNotification(ctx context.Context, webhookURL, title string, fields map[string]string) error {
	payload, err := request.ToJsonReq(slackPayload(title, fields, time.Now()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, slackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}
	_, err = request.Call(nil, req, nil)
	return err
}

// Alert logs the alert and, when a Slack webhook is configured, forwards it
// without blocking the caller.
func Alert(title string, fields map[string]string) {
	entry := logrus.WithField("alert", title)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Error("operator alert")

	conf, err := config.Fetch()
	if err != nil || conf.Notification.Slack.WebhookUrl == "" {
		return
	}
	go func(url string) {
		if err := SlackNotification(context.Background(), url, title, fields); err != nil {
			logrus.Errorf("slack notification failed: %v", err)
		}
	}(conf.Notification.Slack.WebhookUrl)
}

// NotifyError alerts on an unexpected system error.
func NotifyError(systemError error) {
	Alert("Error From Flash Sale 🐞", map[string]string{"Error": systemError.Error()})
}
