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

package flashsale

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/flashsale/internal/txmsg"
	"github.com/blnkfinance/flashsale/ledger"
	"github.com/blnkfinance/flashsale/model"
)

// reservationChecker answers broker check-backs for purchase messages. The
// reservation marker holding the message's order id is the local record of a
// committed attempt.
type reservationChecker struct {
	ledger *ledger.Ledger
}

func (c *reservationChecker) CheckLocal(ctx context.Context, msg *txmsg.Message) (txmsg.State, error) {
	intent, err := model.DecodePurchaseIntent(msg.Body)
	if err != nil {
		// A body that cannot be decoded was never reserved by Purchase.
		logrus.WithField("message_id", msg.ID).Errorf("undecodable half message: %v", err)
		return txmsg.RolledBack, nil
	}
	held, err := c.ledger.HasReservation(ctx, intent.ItemID, intent.BuyerID, intent.OrderID)
	if err != nil {
		return txmsg.Unknown, err
	}
	if held {
		return txmsg.Committed, nil
	}
	return txmsg.RolledBack, nil
}

func (c *reservationChecker) Discarded(ctx context.Context, msg *txmsg.Message) error {
	intent, err := model.DecodePurchaseIntent(msg.Body)
	if err != nil {
		return nil
	}
	restored, err := c.ledger.Release(ctx, intent.ItemID, intent.BuyerID, intent.OrderID)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"order_id":   intent.OrderID,
		"restored":   restored,
	}).Warn("purchase message discarded")
	return nil
}
