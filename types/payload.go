package types

// Payload is the envelope used for summary outputs and signal payloads that
// need metadata next to the data.
type Payload struct {
	Metadata map[string]interface{} `json:"metadata"`
	Data     interface{}            `json:"data"`
}
