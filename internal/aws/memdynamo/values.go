package memdynamo

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

func encode(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + av.Value
	case *types.AttributeValueMemberN:
		if d, err := decimal.NewFromString(av.Value); err == nil {
			return "N:" + d.String()
		}
		return "N:" + av.Value
	case *types.AttributeValueMemberB:
		return fmt.Sprintf("B:%x", av.Value)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = clone(v)
	}
	return out
}

func clone(v types.AttributeValue) types.AttributeValue {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: av.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: av.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: av.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: av.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), av.Value...)}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), av.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), av.Value...)}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(av.Value))
		for i, e := range av.Value {
			l[i] = clone(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneItem(av.Value)}
	default:
		return v
	}
}
