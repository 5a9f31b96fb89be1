package server

// RESPONSES

type ErrResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ShareResponse struct {
	Status string `json:"status"`
	Link   string `json:"link"`
}
