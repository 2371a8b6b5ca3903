package events

// HistoryRequest asks the store side for the last records under a path
//
// published on `history/request/{id}`, answered on `history/response/{id}`
type HistoryRequest struct {
	Path     string `json:"path"`
	OrderKey string `json:"orderKey"`
	Limit    int    `json:"limit"`
}

// HistoryResponse carries the requested records keyed by their store key
type HistoryResponse struct {
	// id (references request)
	//
	// extracted from the topic
	Id string `json:"-"`

	// rest is payload

	Records map[string]Record `json:"records"`
	Error   string            `json:"error,omitempty"`
}
