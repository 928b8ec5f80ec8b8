package eth

import (
	"fmt"

	"github.com/eth2030/eth2030/core/types"
	"github.com/eth2030/eth2030/p2p"
	"github.com/eth2030/eth2030/rlp"
)

// encodeTransactions encodes a list of transactions into a Msg.
// Each transaction is encoded using its own EncodeRLP, then wrapped as
// a byte string in the outer list.
func encodeTransactions(txs []*types.Transaction) (p2p.Msg, error) {
	var payload []byte
	for i, tx := range txs {
		txEnc, err := tx.EncodeRLP()
		if err != nil {
			return p2p.Msg{}, fmt.Errorf("encode tx %d: %w", i, err)
		}
		wrapped, err := rlp.EncodeToBytes(txEnc)
		if err != nil {
			return p2p.Msg{}, fmt.Errorf("wrap tx %d: %w", i, err)
		}
		payload = append(payload, wrapped...)
	}
	data := rlp.WrapList(payload)
	return p2p.Msg{
		Code:    MsgTransactions,
		Size:    uint32(len(data)),
		Payload: data,
	}, nil
}

// decodeTransactions decodes a TransactionsMsg payload into transactions.
func decodeTransactions(msg p2p.Msg) ([]*types.Transaction, error) {
	s := rlp.NewStreamFromBytes(msg.Payload)
	_, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("open tx list: %w", err)
	}
	var txs []*types.Transaction
	for !s.AtListEnd() {
		txBytes, err := s.Bytes()
		if err != nil {
			return nil, fmt.Errorf("read tx bytes: %w", err)
		}
		tx, err := types.DecodeTxRLP(txBytes)
		if err != nil {
			return nil, fmt.Errorf("decode tx: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := s.ListEnd(); err != nil {
		return nil, fmt.Errorf("close tx list: %w", err)
	}
	return txs, nil
}

// encodeNewBlock encodes a NewBlockMessage.
// Format: RLP([block_rlp, td])
func encodeNewBlock(data *NewBlockMessage) (p2p.Msg, error) {
	encoded, err := encodeNewBlockMsg(data)
	if err != nil {
		return p2p.Msg{}, err
	}
	return p2p.Msg{
		Code:    MsgNewBlock,
		Size:    uint32(len(encoded)),
		Payload: encoded,
	}, nil
}

// decodeNewBlock decodes a NewBlock message payload into a NewBlockMessage.
func decodeNewBlock(msg p2p.Msg) (*NewBlockMessage, error) {
	s := rlp.NewStreamFromBytes(msg.Payload)
	_, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("open newblock list: %w", err)
	}

	// The block is an RLP list, read it as raw item.
	blockBytes, err := s.RawItem()
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	block, err := types.DecodeBlockRLP(blockBytes)
	if err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}

	// Read TD.
	td, err := s.BigInt()
	if err != nil {
		return nil, fmt.Errorf("read td: %w", err)
	}

	if err := s.ListEnd(); err != nil {
		return nil, fmt.Errorf("close newblock list: %w", err)
	}

	return &NewBlockMessage{
		Block: block,
		TD:    td,
	}, nil
}
