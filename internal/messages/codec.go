package messages

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"swpttrade/internal/domain"
	"swpttrade/internal/sharding"
	pkgerrors "swpttrade/pkg/errors"
	"swpttrade/pkg/validator"
)

// Header names carried by every outbound message.
const (
	HeaderMessageType     = "message-type"
	HeaderMessageID       = "message-id"
	HeaderCreditorID      = "creditor-id"
	HeaderDebtorID        = "debtor-id"
	HeaderCoordinatorID   = "coordinator-id"
	HeaderCoordinatorType = "coordinator-type"
)

var factories = map[string]func() Message{
	TypeAccountUpdate:     func() Message { return &AccountUpdate{} },
	TypeAccountPurge:      func() Message { return &AccountPurge{} },
	TypeAccountTransfer:   func() Message { return &AccountTransfer{} },
	TypeRejectedConfig:    func() Message { return &RejectedConfig{} },
	TypeRejectedTransfer:  func() Message { return &RejectedTransfer{} },
	TypePreparedTransfer:  func() Message { return &PreparedTransfer{} },
	TypeFinalizedTransfer: func() Message { return &FinalizedTransfer{} },
	TypeFetchDebtorInfo:   func() Message { return &FetchDebtorInfo{} },
	TypeStoreDocument:     func() Message { return &StoreDocument{} },
	TypeDiscoverDebtor:    func() Message { return &DiscoverDebtor{} },
	TypeConfirmDebtor:     func() Message { return &ConfirmDebtor{} },
	TypeActivateCollector: func() Message { return &ActivateCollector{} },
	TypeCandidateOffer:    func() Message { return &CandidateOffer{} },
	TypeNeededCollector:   func() Message { return &NeededCollector{} },
	TypeReviseAccountLock: func() Message { return &ReviseAccountLock{} },
	TypeTriggerTransfer:   func() Message { return &TriggerTransfer{} },
	TypeAccountIDRequest:  func() Message { return &AccountIDRequest{} },
	TypeAccountIDResponse: func() Message { return &AccountIDResponse{} },
	TypeUpdatedLedger:     func() Message { return &UpdatedLedger{} },
	TypeUpdatedPolicy:     func() Message { return &UpdatedPolicy{} },
	TypeUpdatedFlags:      func() Message { return &UpdatedFlags{} },
}

var outboundFactories = map[string]func() Message{
	TypeConfigureAccount: func() Message { return &ConfigureAccount{} },
	TypePrepareTransfer:  func() Message { return &PrepareTransfer{} },
	TypeFinalizeTransfer: func() Message { return &FinalizeTransfer{} },
}

// Unmarshal decodes a body of a known type, including the SMP types the
// engine sends, without validating it.
func Unmarshal(msgType string, body []byte) (Message, error) {
	factory, ok := factories[msgType]
	if !ok {
		factory, ok = outboundFactories[msgType]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownMessageType, msgType)
	}
	msg := factory()
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidMessage, err)
	}
	return msg, nil
}

// typeOf names the concrete envelope type.
func typeOf(m Message) string {
	switch m.(type) {
	case *AccountUpdate:
		return TypeAccountUpdate
	case *AccountPurge:
		return TypeAccountPurge
	case *AccountTransfer:
		return TypeAccountTransfer
	case *RejectedConfig:
		return TypeRejectedConfig
	case *RejectedTransfer:
		return TypeRejectedTransfer
	case *PreparedTransfer:
		return TypePreparedTransfer
	case *FinalizedTransfer:
		return TypeFinalizedTransfer
	case *ConfigureAccount:
		return TypeConfigureAccount
	case *PrepareTransfer:
		return TypePrepareTransfer
	case *FinalizeTransfer:
		return TypeFinalizeTransfer
	case *FetchDebtorInfo:
		return TypeFetchDebtorInfo
	case *StoreDocument:
		return TypeStoreDocument
	case *DiscoverDebtor:
		return TypeDiscoverDebtor
	case *ConfirmDebtor:
		return TypeConfirmDebtor
	case *ActivateCollector:
		return TypeActivateCollector
	case *CandidateOffer:
		return TypeCandidateOffer
	case *NeededCollector:
		return TypeNeededCollector
	case *ReviseAccountLock:
		return TypeReviseAccountLock
	case *TriggerTransfer:
		return TypeTriggerTransfer
	case *AccountIDRequest:
		return TypeAccountIDRequest
	case *AccountIDResponse:
		return TypeAccountIDResponse
	case *UpdatedLedger:
		return TypeUpdatedLedger
	case *UpdatedPolicy:
		return TypeUpdatedPolicy
	case *UpdatedFlags:
		return TypeUpdatedFlags
	}
	return ""
}

func (b *Base) stamp(msgType string, ts time.Time) {
	b.Type = msgType
	if b.TS.IsZero() {
		b.TS = ts
	}
}

type stamper interface {
	stamp(msgType string, ts time.Time)
}

// Codec decodes inbound envelopes and encodes outbound ones into outbox rows.
type Codec struct {
	validator *validator.Validator
	router    Router
}

func NewCodec(router Router) *Codec {
	return &Codec{validator: validator.New(), router: router}
}

// Decode parses and validates a message. Malformed messages yield
// ErrInvalidMessage and unknown types ErrUnknownMessageType.
func (c *Codec) Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidMessage, err)
	}
	factory, ok := factories[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownMessageType, head.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidMessage, err)
	}
	if err := c.validator.Validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pkgerrors.ErrInvalidMessage, head.Type, err)
	}
	return msg, nil
}

// Encode turns a message into an outbox row. The type and, when unset, the
// timestamp are filled in.
func (c *Codec) Encode(m Message, now time.Time) (domain.OutgoingMessage, error) {
	msgType := typeOf(m)
	if msgType == "" {
		return domain.OutgoingMessage{}, fmt.Errorf("%w: %T", pkgerrors.ErrUnknownMessageType, m)
	}
	if s, ok := m.(stamper); ok {
		s.stamp(msgType, now)
	}
	if err := c.validator.Validate(m); err != nil {
		return domain.OutgoingMessage{}, fmt.Errorf("%w: %s: %v", pkgerrors.ErrInvalidMessage, msgType, err)
	}

	body, err := json.Marshal(m)
	if err != nil {
		return domain.OutgoingMessage{}, pkgerrors.Wrap(err, "failed to marshal message")
	}

	row := domain.OutgoingMessage{
		MessageType: msgType,
		Subject:     c.router.Subject(m),
		MessageID:   uuid.New().String(),
		Mandatory:   IsMandatory(msgType),
		Body:        body,
		InsertedAt:  now,
	}
	switch v := m.(type) {
	case *ConfigureAccount:
		row.CreditorID, row.DebtorID = &v.CreditorID, &v.DebtorID
	case *PrepareTransfer:
		row.CreditorID, row.DebtorID = &v.CreditorID, &v.DebtorID
		row.CoordinatorID, row.CoordinatorType = &v.CoordinatorID, &v.CoordinatorType
	case *FinalizeTransfer:
		row.CreditorID, row.DebtorID = &v.CreditorID, &v.DebtorID
		row.CoordinatorID, row.CoordinatorType = &v.CoordinatorID, &v.CoordinatorType
	}
	return row, nil
}

// EncodeAll encodes a batch of messages.
func (c *Codec) EncodeAll(msgs []Message, now time.Time) ([]domain.OutgoingMessage, error) {
	rows := make([]domain.OutgoingMessage, 0, len(msgs))
	for _, m := range msgs {
		row, err := c.Encode(m, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Headers renders the routing headers of an outbox row.
func Headers(row *domain.OutgoingMessage) map[string]string {
	h := map[string]string{
		HeaderMessageType: row.MessageType,
		HeaderMessageID:   row.MessageID,
	}
	if row.CreditorID != nil {
		h[HeaderCreditorID] = strconv.FormatInt(*row.CreditorID, 10)
	}
	if row.DebtorID != nil {
		h[HeaderDebtorID] = strconv.FormatInt(*row.DebtorID, 10)
	}
	if row.CoordinatorID != nil {
		h[HeaderCoordinatorID] = strconv.FormatInt(*row.CoordinatorID, 10)
	}
	if row.CoordinatorType != nil {
		h[HeaderCoordinatorType] = *row.CoordinatorType
	}
	return h
}

// IsSMP reports whether messages of the type go to the ledgers.
func IsSMP(msgType string) bool {
	switch msgType {
	case TypeConfigureAccount, TypePrepareTransfer, TypeFinalizeTransfer:
		return true
	}
	return false
}

// IsMandatory reports whether publishing a message of the type must wait
// for a broker confirmation. FinalizeTransfer is always mandatory and so is
// every internal message.
func IsMandatory(msgType string) bool {
	return msgType == TypeFinalizeTransfer || !IsSMP(msgType)
}

// ShardKey is the value a message is sharded by: an id or an IRI.
type ShardKey struct {
	ID    int64
	IRI   string
	ByIRI bool
}

// Match reports whether the realm owns the key.
func (k ShardKey) Match(r sharding.Realm) bool {
	if k.ByIRI {
		return r.MatchStr(k.IRI)
	}
	return r.Match(k.ID)
}

// MatchParent reports whether the realm's parent owns the key.
func (k ShardKey) MatchParent(r sharding.Realm) bool {
	if k.ByIRI {
		return r.MatchParentStr(k.IRI)
	}
	return r.MatchParent(k.ID)
}

func (k ShardKey) routingKey() string {
	if k.ByIRI {
		return sharding.StrRoutingKey(k.IRI)
	}
	return sharding.IDRoutingKey(k.ID)
}

// ShardKeyOf returns the key a message is sharded by. Outbound SMP
// messages have no shard key and report false.
func ShardKeyOf(m Message) (ShardKey, bool) {
	id := func(v int64) (ShardKey, bool) { return ShardKey{ID: v}, true }
	switch v := m.(type) {
	case *AccountUpdate:
		return id(v.CreditorID)
	case *AccountPurge:
		return id(v.CreditorID)
	case *AccountTransfer:
		return id(v.CreditorID)
	case *RejectedConfig:
		return id(v.CreditorID)
	case *RejectedTransfer:
		return id(v.CoordinatorID)
	case *PreparedTransfer:
		return id(v.CoordinatorID)
	case *FinalizedTransfer:
		return id(v.CoordinatorID)
	case *FetchDebtorInfo:
		return ShardKey{IRI: v.IRI, ByIRI: true}, true
	case *StoreDocument:
		return ShardKey{IRI: v.DebtorInfoLocator, ByIRI: true}, true
	case *DiscoverDebtor:
		return id(v.DebtorID)
	case *ConfirmDebtor:
		return id(v.DebtorID)
	case *ActivateCollector:
		return id(v.DebtorID)
	case *CandidateOffer:
		return id(v.CreditorID)
	case *NeededCollector:
		return id(v.DebtorID)
	case *ReviseAccountLock:
		return id(v.CreditorID)
	case *TriggerTransfer:
		return id(v.CollectorID)
	case *AccountIDRequest:
		return id(v.CreditorID)
	case *AccountIDResponse:
		return id(v.CollectorID)
	case *UpdatedLedger:
		return id(v.CreditorID)
	case *UpdatedPolicy:
		return id(v.CreditorID)
	case *UpdatedFlags:
		return id(v.CreditorID)
	}
	return ShardKey{}, false
}

// Router maps messages to bus subjects.
type Router struct {
	// Prefix is the subject prefix of messages consumed by workers.
	Prefix string
	// SMPPrefix is the subject prefix of messages sent to the ledgers.
	SMPPrefix string
}

// Subject returns "<prefix>.<24 bit routing key>" for messages consumed
// by workers and "<smp prefix>.<debtor hex>" for messages to the ledgers.
func (r Router) Subject(m Message) string {
	switch v := m.(type) {
	case *ConfigureAccount:
		return r.SMPPrefix + "." + sharding.DebtorRoutingKey(v.DebtorID)
	case *PrepareTransfer:
		return r.SMPPrefix + "." + sharding.DebtorRoutingKey(v.DebtorID)
	case *FinalizeTransfer:
		return r.SMPPrefix + "." + sharding.DebtorRoutingKey(v.DebtorID)
	}
	key, ok := ShardKeyOf(m)
	if !ok {
		return r.Prefix
	}
	return r.Prefix + "." + key.routingKey()
}
