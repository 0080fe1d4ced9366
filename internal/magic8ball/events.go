package magic8ball

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EventType names an entry in the registry's event log.
type EventType string

const (
	EventQuestionAsked    EventType = "QuestionAsked"
	EventQuestionAnswered EventType = "QuestionAnswered"
	EventPaused           EventType = "Paused"
	EventUnpaused         EventType = "Unpaused"
)

// registryABI describes the registry's log events in contract ABI form so
// Topics and Data match what an on-chain registry would emit.
const registryABI = `[
	{"anonymous":false,"name":"LogQuestionAsked","type":"event","inputs":[
		{"indexed":true,"name":"questionId","type":"uint256"},
		{"indexed":true,"name":"asker","type":"address"},
		{"indexed":false,"name":"content","type":"string"},
		{"indexed":false,"name":"bountyAmount","type":"uint256"},
		{"indexed":false,"name":"tokenContract","type":"address"}]},
	{"anonymous":false,"name":"LogQuestionAnswered","type":"event","inputs":[
		{"indexed":true,"name":"questionId","type":"uint256"},
		{"indexed":true,"name":"oracle","type":"address"},
		{"indexed":false,"name":"answer","type":"string"}]},
	{"anonymous":false,"name":"Paused","type":"event","inputs":[
		{"indexed":false,"name":"account","type":"address"}]},
	{"anonymous":false,"name":"Unpaused","type":"event","inputs":[
		{"indexed":false,"name":"account","type":"address"}]}
]`

var parsedABI = mustParseABI(registryABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("magic8ball: invalid registry ABI: %v", err))
	}
	return parsed
}

var abiEventNames = map[EventType]string{
	EventQuestionAsked:    "LogQuestionAsked",
	EventQuestionAnswered: "LogQuestionAnswered",
	EventPaused:           "Paused",
	EventUnpaused:         "Unpaused",
}

// Event is one entry of the append-only registry log.
type Event struct {
	Seq           uint64          `json:"seq"`
	Type          EventType       `json:"type"`
	QuestionID    *uint64         `json:"questionId,omitempty"`
	Asker         *common.Address `json:"asker,omitempty"`
	Oracle        *common.Address `json:"oracle,omitempty"`
	Account       *common.Address `json:"account,omitempty"`
	TokenContract *common.Address `json:"tokenContract,omitempty"`
	BountyAmount  *big.Int        `json:"bountyAmount,omitempty"`
	Content       string          `json:"content,omitempty"`
	Answer        string          `json:"answer,omitempty"`
	Topics        []common.Hash   `json:"topics"`
	Data          hexutil.Bytes   `json:"data"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Accounts returns every address the event refers to.
func (e *Event) Accounts() []common.Address {
	var out []common.Address
	for _, a := range []*common.Address{e.Asker, e.Oracle, e.Account} {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (e *Event) clone() *Event {
	cp := *e
	if e.QuestionID != nil {
		id := *e.QuestionID
		cp.QuestionID = &id
	}
	cp.Asker = cloneAddr(e.Asker)
	cp.Oracle = cloneAddr(e.Oracle)
	cp.Account = cloneAddr(e.Account)
	cp.TokenContract = cloneAddr(e.TokenContract)
	if e.BountyAmount != nil {
		cp.BountyAmount = new(big.Int).Set(e.BountyAmount)
	}
	cp.Topics = append([]common.Hash(nil), e.Topics...)
	cp.Data = append(hexutil.Bytes(nil), e.Data...)
	return &cp
}

func cloneAddr(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func questionAskedEvent(q *Question) (*Event, error) {
	id, asker, tok := q.ID, q.Asker, q.TokenContract
	ev := &Event{
		Type:          EventQuestionAsked,
		QuestionID:    &id,
		Asker:         &asker,
		TokenContract: &tok,
		BountyAmount:  new(big.Int).Set(q.BountyAmount),
		Content:       q.Content,
		CreatedAt:     q.CreatedAt,
	}
	return ev, ev.encode()
}

func questionAnsweredEvent(q *Question) (*Event, error) {
	id, oracle := q.ID, *q.Oracle
	ev := &Event{
		Type:       EventQuestionAnswered,
		QuestionID: &id,
		Oracle:     &oracle,
		Answer:     q.Answer,
		CreatedAt:  *q.AnsweredAt,
	}
	return ev, ev.encode()
}

func pauseEvent(paused bool, account common.Address, at time.Time) (*Event, error) {
	typ := EventUnpaused
	if paused {
		typ = EventPaused
	}
	ev := &Event{Type: typ, Account: &account, CreatedAt: at}
	return ev, ev.encode()
}

// encode fills Topics and Data with the event's log encoding.
func (e *Event) encode() error {
	name, ok := abiEventNames[e.Type]
	if !ok {
		return fmt.Errorf("magic8ball: unknown event type %q", e.Type)
	}
	abiEv := parsedABI.Events[name]
	args := abiEv.Inputs.NonIndexed()

	var (
		data []byte
		err  error
	)
	topics := []common.Hash{abiEv.ID}
	switch e.Type {
	case EventQuestionAsked:
		data, err = args.Pack(e.Content, e.BountyAmount, *e.TokenContract)
		topics = append(topics, idTopic(*e.QuestionID), addrTopic(*e.Asker))
	case EventQuestionAnswered:
		data, err = args.Pack(e.Answer)
		topics = append(topics, idTopic(*e.QuestionID), addrTopic(*e.Oracle))
	case EventPaused, EventUnpaused:
		data, err = args.Pack(*e.Account)
	}
	if err != nil {
		return fmt.Errorf("magic8ball: failed to pack %s: %w", name, err)
	}
	e.Topics = topics
	e.Data = data
	return nil
}

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// DecodeLog rebuilds an Event from its log topics and data. Seq and CreatedAt
// are not part of the log and are left zero.
func DecodeLog(topics []common.Hash, data []byte) (*Event, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("magic8ball: log has no topics")
	}
	abiEv, err := parsedABI.EventByID(topics[0])
	if err != nil {
		return nil, fmt.Errorf("magic8ball: unknown log signature %s: %w", topics[0].Hex(), err)
	}

	values := make(map[string]interface{})
	if err := abiEv.Inputs.UnpackIntoMap(values, data); err != nil {
		return nil, fmt.Errorf("magic8ball: failed to unpack %s data: %w", abiEv.Name, err)
	}
	var indexed abi.Arguments
	for _, arg := range abiEv.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, topics[1:]); err != nil {
		return nil, fmt.Errorf("magic8ball: failed to parse %s topics: %w", abiEv.Name, err)
	}

	ev := &Event{
		Topics: append([]common.Hash(nil), topics...),
		Data:   append(hexutil.Bytes(nil), data...),
	}
	switch abiEv.Name {
	case "LogQuestionAsked":
		ev.Type = EventQuestionAsked
		ev.QuestionID = uint64Value(values["questionId"])
		ev.Asker = addrValue(values["asker"])
		ev.Content, _ = values["content"].(string)
		ev.BountyAmount, _ = values["bountyAmount"].(*big.Int)
		ev.TokenContract = addrValue(values["tokenContract"])
	case "LogQuestionAnswered":
		ev.Type = EventQuestionAnswered
		ev.QuestionID = uint64Value(values["questionId"])
		ev.Oracle = addrValue(values["oracle"])
		ev.Answer, _ = values["answer"].(string)
	case "Paused":
		ev.Type = EventPaused
		ev.Account = addrValue(values["account"])
	case "Unpaused":
		ev.Type = EventUnpaused
		ev.Account = addrValue(values["account"])
	}
	return ev, nil
}

func uint64Value(v interface{}) *uint64 {
	b, ok := v.(*big.Int)
	if !ok || !b.IsUint64() {
		return nil
	}
	id := b.Uint64()
	return &id
}

func addrValue(v interface{}) *common.Address {
	a, ok := v.(common.Address)
	if !ok {
		return nil
	}
	return &a
}
