package models

// CreatePurchaseRequest starts an escrow purchase of a channel.
type CreatePurchaseRequest struct {
	BuyerId   string `json:"buyer_id"`
	ChannelId string `json:"channel_id"`
}

// ConfirmTransferRequest signals that the seller handed over the channel.
type ConfirmTransferRequest struct {
	ActorId string `json:"actor_id"`
}

// VerifyPurchaseRequest attempts verification and settlement of a purchase.
type VerifyPurchaseRequest struct {
	ActorId  string `json:"actor_id"`
	Token    string `json:"token"`
	Override bool   `json:"override"`
}

// RefundPurchaseRequest asks for a manual refund while the purchase is still open.
type RefundPurchaseRequest struct {
	ActorId    string `json:"actor_id"`
	AsOperator bool   `json:"as_operator"`
	Reason     string `json:"reason"`
}

// WithdrawalRequest asks for an outgoing transfer. Amount is a decimal string
// in whole TON ("1.5"); it is converted to nanotons at the boundary.
type WithdrawalRequest struct {
	UserId             string `json:"user_id"`
	DestinationAddress string `json:"destination_address"`
	Amount             string `json:"amount"`
	Message            string `json:"message,omitempty"`
}

// WithdrawalDecisionRequest approves or rejects a withdrawal held for review.
type WithdrawalDecisionRequest struct {
	AdminId string `json:"admin_id"`
	Reason  string `json:"reason,omitempty"`
}

// PurchaseResponse is the API view of a purchase. The verification token is
// only disclosed to the buyer on creation, never on later reads.
type PurchaseResponse struct {
	Id                   string   `json:"id"`
	ChannelId            string   `json:"channel_id"`
	BuyerId              string   `json:"buyer_id"`
	SellerId             string   `json:"seller_id"`
	Price                string   `json:"price"`
	PriceNano            int64    `json:"price_nano"`
	Status               string   `json:"status"`
	VerificationToken    string   `json:"verification_token,omitempty"`
	VerificationDeadline string   `json:"verification_deadline"`
	OriginalAssetIds     []string `json:"original_asset_ids"`
}

// VerifyResponse reports the outcome of a verification attempt.
type VerifyResponse struct {
	Status        string `json:"status"`
	Completed     bool   `json:"completed"`
	RetryLater    bool   `json:"retry_later,omitempty"`
	Reason        string `json:"reason,omitempty"`
	MinutesLeft   int    `json:"minutes_left,omitempty"`
	FraudDetected bool   `json:"fraud_detected,omitempty"`
	Fee           string `json:"fee,omitempty"`
}

// WithdrawalResponse is the API view of a withdrawal.
type WithdrawalResponse struct {
	Id                 string `json:"id"`
	UserId             string `json:"user_id"`
	DestinationAddress string `json:"destination_address"`
	Amount             string `json:"amount"`
	AmountNano         int64  `json:"amount_nano"`
	Status             string `json:"status"`
	TxHash             string `json:"tx_hash,omitempty"`
	NeedsApproval      bool   `json:"needs_approval"`
}

// ChainVerifyResponse reports the result of an audit chain verification run.
type ChainVerifyResponse struct {
	Ok      bool   `json:"ok"`
	Entries int    `json:"entries"`
	BadSeq  int64  `json:"bad_seq,omitempty"`
	Reason  string `json:"reason,omitempty"`
	FromSeq int64  `json:"from_seq"`
	ToSeq   int64  `json:"to_seq"`
}
