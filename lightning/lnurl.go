// Package lightning resolves a Lightning address to a bolt11 invoice
// through the LNURL-pay protocol.
package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var ErrInvalidAddress = errors.New("invalid lightning address")

type AddressResolver struct {
	http   *http.Client
	scheme string
}

// NewAddressResolver returns a resolver contacting lnurl services over
// scheme, or https when scheme is empty. Plain http is only meant for
// services on a private network.
func NewAddressResolver(timeout time.Duration, scheme string) *AddressResolver {
	if scheme == "" {
		scheme = "https"
	}
	return &AddressResolver{
		http:   &http.Client{Timeout: timeout},
		scheme: scheme,
	}
}

type payRequest struct {
	Callback    string `json:"callback"`
	MinSendable uint64 `json:"minSendable"`
	MaxSendable uint64 `json:"maxSendable"`
	Tag         string `json:"tag"`
}

type payResponse struct {
	Pr     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Invoice resolves the address and requests an invoice for amountSat.
// The returned invoice is decoded and its amount checked before it is
// handed to the caller, so a misbehaving LNURL service cannot make the
// wallet melt a different amount than intended.
func (r *AddressResolver) Invoice(ctx context.Context, address string, amountSat uint64) (string, error) {
	name, domain, found := strings.Cut(address, "@")
	if !found || name == "" || domain == "" {
		return "", ErrInvalidAddress
	}

	lnurlpURL := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", r.scheme, domain, name)
	var request payRequest
	if err := r.get(ctx, lnurlpURL, &request); err != nil {
		return "", fmt.Errorf("error resolving lightning address: %w", err)
	}
	if request.Tag != "payRequest" || request.Callback == "" {
		return "", fmt.Errorf("'%v' is not a pay address", address)
	}

	amountMsat := amountSat * 1000
	if amountMsat < request.MinSendable || amountMsat > request.MaxSendable {
		return "", fmt.Errorf("amount %v sat is outside the receiver's limits", amountSat)
	}

	callback, err := url.Parse(request.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %v", err)
	}
	query := callback.Query()
	query.Set("amount", strconv.FormatUint(amountMsat, 10))
	callback.RawQuery = query.Encode()

	var response payResponse
	if err := r.get(ctx, callback.String(), &response); err != nil {
		return "", fmt.Errorf("error requesting invoice: %w", err)
	}
	if strings.EqualFold(response.Status, "ERROR") {
		return "", fmt.Errorf("lnurl service returned error: %v", response.Reason)
	}
	if response.Pr == "" {
		return "", errors.New("lnurl service returned no invoice")
	}

	invoice, err := decodepay.Decodepay(response.Pr)
	if err != nil {
		return "", fmt.Errorf("error decoding invoice: %v", err)
	}
	if uint64(invoice.MSatoshi) != amountMsat {
		return "", fmt.Errorf("invoice amount %v msat does not match requested %v msat",
			invoice.MSatoshi, amountMsat)
	}

	return response.Pr, nil
}

func (r *AddressResolver) get(ctx context.Context, url string, response any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %v", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(response)
}
