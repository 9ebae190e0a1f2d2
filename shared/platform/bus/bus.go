package bus

import "context"

// Message es lo que viaja al broker: la semántica de topic y el formato del
// payload los decide quien construye el mensaje.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher entrega un mensaje al broker. Debe respetar la cancelación del
// contexto: el publicador del outbox lo usa para acotar el timeout de entrega.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
