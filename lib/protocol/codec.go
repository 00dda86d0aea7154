package protocol

import "encoding/json"

// Encode serializes m as a single JSON object terminated by a newline,
// the on-the-wire frame format for every message in this protocol.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}

// Decode parses a single JSON object (without requiring a trailing
// newline) into a Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
