// Package hub fans messages out to websocket clients. One goroutine owns the
// client set; clients that fall behind are disconnected rather than allowed
// to stall the others.
package hub

// Message is one websocket frame queued for every client.
type Message struct {
	Binary bool
	Data   []byte
}

// Text returns a text message, typically encoded JSON.
func Text(data []byte) Message {
	return Message{Data: data}
}

// Binary returns a binary message such as a JPEG frame.
func Binary(data []byte) Message {
	return Message{Binary: true, Data: data}
}
