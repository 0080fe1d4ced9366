package magic8ball

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalOracles(oracles []common.Address) ([]byte, error) {
	if oracles == nil {
		oracles = []common.Address{}
	}
	return json.Marshal(oracles)
}

func unmarshalOracles(raw []byte) ([]common.Address, error) {
	out := []common.Address{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode allowed oracles: %w", err)
	}
	return out, nil
}

func parseBounty(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored bounty %q", s)
	}
	return n, nil
}

func nullAddr(a *common.Address) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

func addrFromNull(s sql.NullString) *common.Address {
	if !s.Valid || s.String == "" {
		return nil
	}
	a := common.HexToAddress(s.String)
	return &a
}

func nullQuestionID(id *uint64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// encodeEvent serializes the event body. Seq and CreatedAt live in their own
// columns.
func encodeEvent(ev *Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}

func decodeEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
