package consts

// MessageState is the lifecycle state of a stored message.
//
// A message is created by the SMTP engine in RECEIVING, moves to ENQUEUED
// once persisted, and is then owned by the queue processor: ENQUEUED ->
// LOCKED -> {LOCAL|REMOTE|BOUNCED|DELETED}. The only backward transition is
// LOCKED -> ENQUEUED when a delivery cycle releases the message without
// completing it.
type MessageState string

const (
	StateReceiving MessageState = "RECEIVING"
	StateEnqueued  MessageState = "ENQUEUED"
	StateLocked    MessageState = "LOCKED"
	StateDelivered MessageState = "DELIVERED"
	StateLocal     MessageState = "LOCAL"
	StateRemote    MessageState = "REMOTE"
	StateBounced   MessageState = "BOUNCED"
	StateDeleted   MessageState = "DELETED"
)

// MaxDeliveryAttempts bounds the deliveryAttempts counter. The first
// delivery try happens with the counter at zero, so a message is tried at
// most MaxDeliveryAttempts+1 times before it bounces.
const MaxDeliveryAttempts = 5

// Mailbox capability flags.
const (
	CapabilityRelay = "USER_CAN_RELAY"
)

// Defaults applied when a parsed message omits the field.
const (
	DefaultSubject = "(unspecified)"
	DefaultFolder  = "Inbox"
	InitialTag     = "UNREAD"
)
