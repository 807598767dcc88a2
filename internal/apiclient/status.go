package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// StatusReport is one remote status observation, already normalised.
type StatusReport struct {
	JobID     types.JobID
	Status    types.JobStatus
	ResultURL string
	Message   string
	Prompt    string
	Progress  int
}

// NormalizeCode maps the integer status codes of the list endpoint.
// Unknown codes are treated as still processing.
func NormalizeCode(code int) types.JobStatus {
	switch code {
	case 0, 1:
		return types.StatusQueued
	case 2:
		return types.StatusProcessing
	case 3:
		return types.StatusCompleted
	case 4:
		return types.StatusFailed
	default:
		return types.StatusProcessing
	}
}

// NormalizeString maps the status strings of the per-id endpoint.
// Unknown strings are treated as still processing.
func NormalizeString(s string) types.JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending":
		return types.StatusQueued
	case "processing":
		return types.StatusProcessing
	case "completed", "finished":
		return types.StatusCompleted
	case "error", "failed":
		return types.StatusFailed
	default:
		return types.StatusProcessing
	}
}

// wireStatus accepts either vocabulary on any endpoint.
type wireStatus types.JobStatus

func (w *wireStatus) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("status is null")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if n, err := strconv.Atoi(s); err == nil {
			*w = wireStatus(NormalizeCode(n))
			return nil
		}
		*w = wireStatus(NormalizeString(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	i, err := n.Int64()
	if err != nil {
		return err
	}
	*w = wireStatus(NormalizeCode(int(i)))
	return nil
}

// wireID accepts ids encoded as JSON strings or numbers.
type wireID string

func (w *wireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*w = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*w = wireID(n.String())
	return nil
}

// wireError is the top-level "error" field: a bool on most endpoints, a
// message string on the text endpoints.
type wireError struct {
	set bool
	msg string
}

func (w *wireError) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte("false")):
		*w = wireError{}
	case bytes.Equal(b, []byte("true")):
		*w = wireError{set: true}
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireError{set: strings.TrimSpace(s) != "", msg: s}
	default:
		// objects and numbers: treat as an error signal without text
		*w = wireError{set: true, msg: string(b)}
	}
	return nil
}

type envelope struct {
	Error    wireError       `json:"error"`
	Messages []string        `json:"messages"`
	Data     json.RawMessage `json:"data"`
}

func (e envelope) rejection() []string {
	msgs := make([]string, 0, len(e.Messages)+1)
	if e.Error.msg != "" {
		msgs = append(msgs, e.Error.msg)
	}
	return append(msgs, e.Messages...)
}

type wireGeneration struct {
	ID     wireID     `json:"id"`
	Status wireStatus `json:"status"`
	Prompt string     `json:"prompt"`
	Photo  string     `json:"photo"`
	Result string     `json:"result"`
}

type wireStatusData struct {
	Status    wireStatus `json:"status"`
	Error     string     `json:"error"`
	ResultURL string     `json:"resultUrl"`
	Progress  int        `json:"progress"`
}

type wireEffect struct {
	ID           int    `json:"id"`
	Title        string `json:"title"`
	Preview      string `json:"preview"`
	PreviewSmall string `json:"preview_small"`
}

type wireGenerationID struct {
	GenerationID wireID `json:"generationId"`
}
