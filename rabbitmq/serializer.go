package rabbitmq

import (
	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SerializedHeader marks a message body produced by a Serializer.
const SerializedHeader = "rabbitmq.serialized"

// Serializer turns a payload that is not already bytes into a message body.
type Serializer func(v any) ([]byte, error)

// Deserializer reverses a Serializer on the consuming side.
type Deserializer func(data []byte) (any, error)

// JSONSerializer encodes payloads as JSON.
func JSONSerializer(v any) ([]byte, error) {
	return json.Marshal(v)
}

// JSONDeserializer decodes bodies into a fresh T. JSONDeserializer[any] yields
// the generic map/slice/float64 representation.
func JSONDeserializer[T any]() Deserializer {
	return func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// isSerialized reports whether the serialized header is present and truthy.
func isSerialized(headers amqp.Table) bool {
	v, ok := headers[SerializedHeader]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "0"
	case []byte:
		return len(t) > 0 && string(t) != "0"
	case int:
		return t != 0
	case int8:
		return t != 0
	case int16:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint8:
		return t != 0
	case uint16:
		return t != 0
	case uint32:
		return t != 0
	case float32:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}
