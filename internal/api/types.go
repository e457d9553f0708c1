package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/proctor/internal/fault"
)

// ClockRegisterRequest reports one participant's wall-clock time.
type ClockRegisterRequest struct {
	Role string `json:"role"`
	Time string `json:"time"`
}

// MutexRequest asks for the exam critical section at a Lamport timestamp.
type MutexRequest struct {
	StudentID string `json:"student_id"`
	Timestamp int64  `json:"timestamp"`
}

// MutexReleaseRequest gives the critical section back.
type MutexReleaseRequest struct {
	StudentID string `json:"student_id"`
}

// UpdateRequest changes the mse and ese marks of one record. Missing marks
// are rejected rather than read as zero.
type UpdateRequest struct {
	MSE        *int   `json:"mse"`
	ESE        *int   `json:"ese"`
	RollNumber string `json:"roll_number"`
}

// SubmitRequest hands one exam submission to the load balancer.
type SubmitRequest struct {
	Payload   map[string]any `json:"payload"`
	StudentID string         `json:"student_id"`
}

// Ack is the body of operations that return nothing else.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is written for every failed request.
type ErrorResponse struct {
	Status  string     `json:"status"`
	Error   fault.Kind `json:"error"`
	Message string     `json:"message"`
}

// NewErrorResponse builds the body for err.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Status: "error", Error: fault.KindOf(err), Message: err.Error()}
}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
// It unwraps to a *fault.Error carrying the server's kind, so callers can
// test it with errors.Is against the fault sentinels.
type StatusError struct {
	URL  string
	Body ErrorResponse
	Code int
}

func (e *StatusError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d %s: %s", e.URL, e.Code, e.Body.Error, e.Body.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Body.Error == "" {
		return nil
	}
	return &fault.Error{Kind: e.Body.Error, Msg: e.Body.Message}
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON and decodes the response into out when out is
// non-nil. A nil body sends an empty request.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		se := &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
		// a body that is not an ErrorResponse still yields the status code
		_ = json.NewDecoder(resp.Body).Decode(&se.Body)
		return se
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
