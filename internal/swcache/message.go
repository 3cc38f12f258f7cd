package swcache

import (
	"errors"

	"github.com/bytedance/sonic"
)

var ErrUnknownMessage = errors.New("swcache: unknown control message")

type MessageType string

const (
	MessageSkipWaiting    MessageType = "SKIP_WAITING"
	MessageGetCacheStatus MessageType = "GET_CACHE_STATUS"
	MessageCacheStatus    MessageType = "CACHE_STATUS"
)

// Message is a control request from the page.
type Message struct {
	Type MessageType `json:"type"`
}

// CacheStatus answers GET_CACHE_STATUS.
type CacheStatus struct {
	Type                    MessageType `json:"type"`
	CriticalResourcesCached int         `json:"criticalResourcesCached"`
	CacheVersion            string      `json:"cacheVersion"`
}

// ReplyPort is the channel a caller hands over to receive a reply.
type ReplyPort interface {
	PostMessage(reply any) error
}

// PortFunc adapts a function to ReplyPort.
type PortFunc func(reply any) error

func (f PortFunc) PostMessage(reply any) error { return f(reply) }

// ChanPort delivers replies on a buffered channel and never blocks; a full
// channel drops the reply.
type ChanPort chan any

func (c ChanPort) PostMessage(reply any) error {
	select {
	case c <- reply:
		return nil
	default:
		return errors.New("swcache: reply port full")
	}
}

func DecodeMessage(b []byte) (Message, error) {
	var msg Message
	if err := sonic.ConfigDefault.Unmarshal(b, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func EncodeReply(v any) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(v)
}

func knownMessage(t MessageType) bool {
	return t == MessageSkipWaiting || t == MessageGetCacheStatus
}
