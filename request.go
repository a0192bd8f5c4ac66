package graphcdn

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
)

// Request is the validated shape of an incoming GraphQL request body.
// Anything that does not decode into it is rejected at the boundary,
// before the classifier ever sees the query text.
type Request struct {
	Query         string                 `json:"query" validate:"required"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// ErrNoQuery is returned for request bodies without a usable "query"
// field. Its text is the exact client-facing error message.
var ErrNoQuery = errors.New(`Request has no "query" field.`)

// parseRequest decodes and validates a request body.
func parseRequest(validate *validator.Validate, body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return req, ErrNoQuery
	}
	if err := validate.Struct(req); err != nil {
		return req, ErrNoQuery
	}
	return req, nil
}
