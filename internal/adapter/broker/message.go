package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

var errMalformedMessage = errors.New("malformed stock message")

// stockMessage is the wire body. Qty is negative for restocks.
type stockMessage struct {
	ItemID        string `json:"item_id"`
	Qty           int64  `json:"qty"`
	TransactionID string `json:"transaction_id"`
}

func encodeRequest(req domain.DeductionRequest) ([]byte, error) {
	return json.Marshal(stockMessage{
		ItemID:        req.ItemID,
		Qty:           req.Delta,
		TransactionID: req.TransactionID,
	})
}

func decodeRequest(body []byte) (domain.DeductionRequest, error) {
	var msg stockMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.DeductionRequest{}, fmt.Errorf("%w: %w", errMalformedMessage, err)
	}

	if msg.ItemID == "" || msg.TransactionID == "" || msg.Qty == 0 {
		return domain.DeductionRequest{}, fmt.Errorf("%w: missing fields", errMalformedMessage)
	}

	return domain.DeductionRequest{
		ItemID:        msg.ItemID,
		Delta:         msg.Qty,
		TransactionID: msg.TransactionID,
	}, nil
}
