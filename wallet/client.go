package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut01"
	"nutjar/cashu/nuts/nut02"
	"nutjar/cashu/nuts/nut03"
	"nutjar/cashu/nuts/nut05"
	"nutjar/cashu/nuts/nut07"
	"nutjar/cashu/nuts/nut09"
)

// client talks to the mint REST API. Every call carries the request
// context and the configured timeout so a slow mint cannot hang a
// donation request.
type client struct {
	http *http.Client
}

func newClient(timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}}
}

func (c *client) getAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *client) getKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *client) postSwap(ctx context.Context, mintURL string, swapRequest nut03.PostSwapRequest) (
	*nut03.PostSwapResponse, error) {

	var swapResponse nut03.PostSwapResponse
	if err := c.post(ctx, mintURL+"/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func (c *client) postMeltQuoteBolt11(ctx context.Context, mintURL string,
	meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func (c *client) postMeltBolt11(ctx context.Context, mintURL string,
	meltRequest nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func (c *client) postCheckProofState(ctx context.Context, mintURL string,
	stateRequest nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {

	var stateResponse nut07.PostCheckStateResponse
	if err := c.post(ctx, mintURL+"/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *client) postRestore(ctx context.Context, mintURL string,
	restoreRequest nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {

	var restoreResponse nut09.PostRestoreResponse
	if err := c.post(ctx, mintURL+"/v1/restore", restoreRequest, &restoreResponse); err != nil {
		return nil, err
	}
	return &restoreResponse, nil
}

func (c *client) get(ctx context.Context, url string, response any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, response)
}

func (c *client) post(ctx context.Context, url string, request, response any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, response)
}

func (c *client) do(req *http.Request, response any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.NewDecoder(resp.Body).Decode(&errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("mint returned status %v: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}
