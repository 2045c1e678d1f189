package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"opsbridge/internal/adapter/codec"
	"opsbridge/internal/domain"
)

// maxResponseBytes caps how much of a remote reply is read.
const maxResponseBytes = 4 << 20 // 4 MiB

// doEnvelopePost sends an encoded envelope to a remote agent endpoint and
// decodes the response frame.
func doEnvelopePost(ctx context.Context, client *http.Client, endpoint string, body []byte) (*codec.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrAgentUnavailable, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint returned %d: %s",
			domain.ErrAgentUnavailable, httpResp.StatusCode, truncate(respBody, 200))
	}

	var resp codec.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrMalformedPayload, err)
	}
	if resp.ProtocolVersion != codec.ProtocolVersion {
		return nil, fmt.Errorf("%w: response version %q", domain.ErrUnsupportedVersion, resp.ProtocolVersion)
	}
	return &resp, nil
}

// decodeResult unmarshals a response result into out.
func decodeResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(raw, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
