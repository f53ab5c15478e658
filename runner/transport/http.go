package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/protocol"
)

const BatchPath = "/api/v1/batches"

// ErrStreamTruncated is returned when the outcome stream ends without a
// BatchComplete message.
var ErrStreamTruncated = errors.New("runner: outcome stream ended before batch completed")

// HTTPRunner sends batches to a runner agent and relays its streamed outcomes.
type HTTPRunner struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRunner builds a runner client. No overall HTTP timeout is set since
// batches are bounded by the coordinator's deadline.
func NewHTTPRunner(baseURL, token string) *HTTPRunner {
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// WithResponseTimeout bounds the wait for the agent to start streaming.
func (r *HTTPRunner) WithResponseTimeout(d time.Duration) *HTTPRunner {
	if d > 0 {
		r.client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: d,
		}}
	}
	return r
}

func (r *HTTPRunner) Execute(ctx context.Context, batch executor.Batch, report func(executor.Outcome)) error {
	body, err := json.Marshal(NewBatchRequest(batch))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+BatchPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return decodeStream(resp.Body, batch.ID, report)
}

// NewBatchRequest converts a coordinator batch into its wire form.
func NewBatchRequest(batch executor.Batch) protocol.BatchRequest {
	req := protocol.BatchRequest{
		Type:      protocol.TypeBatchRequest,
		RunID:     batch.RunID,
		BatchID:   batch.ID,
		Index:     batch.Index,
		Exclusive: batch.Exclusive,
	}
	for _, entry := range batch.Entries {
		req.Tests = append(req.Tests, protocol.TestSpec{
			ID:        entry.Test.ID,
			Command:   entry.Test.Command,
			TimeoutMS: entry.Timeout.Milliseconds(),
			MustRun:   entry.MustRun(),
		})
	}
	return req
}

func decodeStream(r io.Reader, batchID string, report func(executor.Outcome)) error {
	dec := json.NewDecoder(r)
	for {
		var msg protocol.StreamMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamTruncated
			}
			return fmt.Errorf("decode outcome stream: %w", err)
		}
		switch msg.Type {
		case protocol.TypeTestOutcome:
			report(executor.Outcome{
				TestID:       msg.TestID,
				Outcome:      msg.Outcome,
				WallTime:     time.Duration(msg.WallTimeMS) * time.Millisecond,
				DefectLinked: msg.DefectLinked,
				Output:       msg.Output,
			})
		case protocol.TypeBatchComplete:
			if msg.Status == protocol.BatchStatusErrored {
				return fmt.Errorf("runner reported batch %s errored: %s", batchID, msg.Summary)
			}
			return nil
		default:
			return fmt.Errorf("unexpected stream message type %q", msg.Type)
		}
	}
}

var _ executor.Runner = (*HTTPRunner)(nil)
