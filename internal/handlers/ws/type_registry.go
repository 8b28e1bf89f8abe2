package ws

import (
	"reflect"
)

var typeRegistry = map[string]reflect.Type{}

func init() {
	RegisterType(&MessageSend{})
	RegisterType(&MessageEdit{})
	RegisterType(&MessageDelete{})
	RegisterType(&MessageRead{})
	RegisterType(&MessageTyping{})
	RegisterType(&MessagePresenceSubscribe{})
	RegisterType(&MessagePin{})
	RegisterType(&MessageUnpin{})
	RegisterType(&MessageMute{})
	RegisterType(&MessageUnmute{})
	RegisterType(&MessagePing{})
	RegisterType(&MessagePong{})
}

func RegisterType(msg Message) {
	typeRegistry[msg.GetType()] = reflect.TypeOf(msg).Elem()
}

// GetTypeRegistry returns the type registry for testing
func GetTypeRegistry() map[string]reflect.Type {
	return typeRegistry
}
