package xpacket

// Command identifies the protocol message carried in a packet frame.
type Command uint32

const (
	Invalid Command = iota
	Transaction
	PendingTransaction
	TransactionAccepting
	TransactionHold
	TransactionHoldApply
	TransactionInit
	TransactionInitialized
	TransactionCreateA
	TransactionCreatedA
	TransactionCreateB
	TransactionCreatedB
	TransactionConfirmA
	TransactionConfirmedA
	TransactionConfirmB
	TransactionConfirmedB
	TransactionCancel
	TransactionFinished
	XChatMessage
	ServicesPing
)

var commandNames = map[Command]string{
	Invalid:                "Invalid",
	Transaction:            "Transaction",
	PendingTransaction:     "PendingTransaction",
	TransactionAccepting:   "TransactionAccepting",
	TransactionHold:        "TransactionHold",
	TransactionHoldApply:   "TransactionHoldApply",
	TransactionInit:        "TransactionInit",
	TransactionInitialized: "TransactionInitialized",
	TransactionCreateA:     "TransactionCreateA",
	TransactionCreatedA:    "TransactionCreatedA",
	TransactionCreateB:     "TransactionCreateB",
	TransactionCreatedB:    "TransactionCreatedB",
	TransactionConfirmA:    "TransactionConfirmA",
	TransactionConfirmedA:  "TransactionConfirmedA",
	TransactionConfirmB:    "TransactionConfirmB",
	TransactionConfirmedB:  "TransactionConfirmedB",
	TransactionCancel:      "TransactionCancel",
	TransactionFinished:    "TransactionFinished",
	XChatMessage:           "XChatMessage",
	ServicesPing:           "ServicesPing",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "Unknown"
}
