// Package eventsclient calls the event-log indexer that backfills a contract's
// emitted events after its state has been refreshed.
package eventsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jquan18/Civitas-sub001/services/contracts/internal/store"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

// SyncEvents asks the indexer to sync the event log of c. Any non-2xx answer
// is an error carrying the indexer's status and a prefix of its body.
func (c *Client) SyncEvents(ctx context.Context, contract store.Contract) error {
	reqBody, _ := json.Marshal(map[string]any{
		"contract_address": contract.ContractAddress,
		"template_id":      contract.TemplateID,
		"chain_id":         contract.ChainID,
	})
	endpoint := c.BaseURL + "/contracts/" + url.PathEscape(contract.ContractAddress) + "/events/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("event sync returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
