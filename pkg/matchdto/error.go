package matchdto

// ErrorBody is the JSON error envelope returned by the API.
type ErrorBody struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Retryable        bool   `json:"retryable"`
	AlreadyProcessed bool   `json:"already_processed,omitempty"`
}

func (e ErrorBody) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "match service error"
}
