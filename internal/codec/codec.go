package codec

import (
	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
)

// api is the std-compatible sonic config. Float vectors must survive a
// round trip bit for bit, replay depends on it.
var api = sonic.ConfigStd

func encode(v any) ([]byte, error) {
	b, err := api.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}
	return b, nil
}

func decode[T any](src []byte) (T, error) {
	var v T
	if len(src) == 0 {
		return v, errors.New("codec: empty payload")
	}
	if err := api.Unmarshal(src, &v); err != nil {
		return v, errors.Wrap(err, "codec: unmarshal")
	}
	return v, nil
}

// EncodeTradeExecuted serializes an executed trade payload.
func EncodeTradeExecuted(ev schema.TradeExecuted) ([]byte, error) { return encode(ev) }

// DecodeTradeExecuted parses an executed trade payload.
func DecodeTradeExecuted(src []byte) (schema.TradeExecuted, error) {
	return decode[schema.TradeExecuted](src)
}

func EncodeHedgeStatusChanged(ev schema.HedgeStatusChanged) ([]byte, error) { return encode(ev) }

func DecodeHedgeStatusChanged(src []byte) (schema.HedgeStatusChanged, error) {
	return decode[schema.HedgeStatusChanged](src)
}

func EncodePriceUpdated(ev schema.PriceUpdated) ([]byte, error) { return encode(ev) }

func DecodePriceUpdated(src []byte) (schema.PriceUpdated, error) {
	return decode[schema.PriceUpdated](src)
}

func EncodeMarketRepriced(ev schema.MarketRepriced) ([]byte, error) { return encode(ev) }

func DecodeMarketRepriced(src []byte) (schema.MarketRepriced, error) {
	return decode[schema.MarketRepriced](src)
}

func EncodeBalanceAdjusted(ev schema.BalanceAdjusted) ([]byte, error) { return encode(ev) }

func DecodeBalanceAdjusted(src []byte) (schema.BalanceAdjusted, error) {
	return decode[schema.BalanceAdjusted](src)
}

func EncodeMarketLifecycle(ev schema.MarketLifecycle) ([]byte, error) { return encode(ev) }

func DecodeMarketLifecycle(src []byte) (schema.MarketLifecycle, error) {
	return decode[schema.MarketLifecycle](src)
}

func EncodeOutboxAck(ev schema.OutboxAck) ([]byte, error) { return encode(ev) }

func DecodeOutboxAck(src []byte) (schema.OutboxAck, error) {
	return decode[schema.OutboxAck](src)
}

// Encode serializes any event value by its concrete type and reports the
// matching event type.
func Encode(ev any) (schema.EventType, []byte, error) {
	var (
		typ schema.EventType
		b   []byte
		err error
	)
	switch v := ev.(type) {
	case schema.TradeExecuted:
		typ = schema.EventTradeExecuted
		b, err = EncodeTradeExecuted(v)
	case schema.HedgeStatusChanged:
		typ = schema.EventHedgeStatusChanged
		b, err = EncodeHedgeStatusChanged(v)
	case schema.PriceUpdated:
		typ = schema.EventPriceUpdated
		b, err = EncodePriceUpdated(v)
	case schema.MarketRepriced:
		typ = schema.EventMarketRepriced
		b, err = EncodeMarketRepriced(v)
	case schema.BalanceAdjusted:
		typ = schema.EventBalanceAdjusted
		b, err = EncodeBalanceAdjusted(v)
	case schema.MarketLifecycle:
		typ = schema.EventMarketLifecycle
		b, err = EncodeMarketLifecycle(v)
	case schema.OutboxAck:
		typ = schema.EventOutboxAck
		b, err = EncodeOutboxAck(v)
	default:
		return schema.EventUnknown, nil, errors.Errorf("codec: unsupported event %T", ev)
	}
	return typ, b, err
}

// Decode parses a payload according to its event type and returns the
// concrete event value.
func Decode(typ schema.EventType, src []byte) (any, error) {
	switch typ {
	case schema.EventTradeExecuted:
		return DecodeTradeExecuted(src)
	case schema.EventHedgeStatusChanged:
		return DecodeHedgeStatusChanged(src)
	case schema.EventPriceUpdated:
		return DecodePriceUpdated(src)
	case schema.EventMarketRepriced:
		return DecodeMarketRepriced(src)
	case schema.EventBalanceAdjusted:
		return DecodeBalanceAdjusted(src)
	case schema.EventMarketLifecycle:
		return DecodeMarketLifecycle(src)
	case schema.EventOutboxAck:
		return DecodeOutboxAck(src)
	default:
		return nil, errors.Errorf("codec: unsupported event type %d", typ)
	}
}
