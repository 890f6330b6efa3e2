package broker

// PropertyMessageID carries the backend-stable message id, when the backend
// reports one, in Message properties.
const PropertyMessageID = "message_id"

// Message is a single delivery handed to application code.
//
// ID is the backend handle for this delivery (an SQS receipt handle, an AMQP
// delivery tag, a Postgres receipt). It is unique per in-flight delivery and
// is not stable across redeliveries. Message is read-only after construction.
type Message struct {
	ID         string
	Body       []byte
	Properties map[string]string
}

// NewMessage creates a message that does not alias the given body or properties
func NewMessage(id string, body []byte, props map[string]string) Message {
	msg := Message{ID: id}
	if body != nil {
		msg.Body = append([]byte(nil), body...)
	}
	if len(props) > 0 {
		msg.Properties = make(map[string]string, len(props))
		for k, v := range props {
			msg.Properties[k] = v
		}
	}
	return msg
}

// Property returns a single property value
func (m Message) Property(key string) (string, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// RawMessage is one entry of a backend receive result
type RawMessage struct {
	Handle     string
	Body       []byte
	MessageID  string            // Backend-stable id, empty if the backend has none
	Attributes map[string]string // Backend metadata (SQS attributes, AMQP headers, ...)
}

// ToMessage translates a raw backend entry into the uniform Message shape
func (r RawMessage) ToMessage() Message {
	props := r.Attributes
	if r.MessageID != "" {
		props = make(map[string]string, len(r.Attributes)+1)
		for k, v := range r.Attributes {
			props[k] = v
		}
		props[PropertyMessageID] = r.MessageID
	}
	return NewMessage(r.Handle, r.Body, props)
}
