// Reader is a client of the http reporter, used by tests and operator tools.

package reporter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/TEENet-io/zenz-bridge/agreement"
	"github.com/TEENet-io/zenz-bridge/reserve"
	"github.com/TEENet-io/zenz-bridge/settlement"
	"github.com/TEENet-io/zenz-bridge/state"
)

type HttpReader struct {
	serverIP   string // listen ip
	serverPort string // listen port
	client     *http.Client
}

func NewHttpReader(serverIP string, serverPort string) *HttpReader {
	return &HttpReader{
		serverIP:   serverIP,
		serverPort: serverPort,
		client:     http.DefaultClient,
	}
}

func (hr *HttpReader) url(route string) string {
	return "http://" + hr.serverIP + ":" + hr.serverPort + route
}

// do sends the request and decodes a 2xx body into out. Other statuses are
// returned as errors carrying the body.
func (hr *HttpReader) do(method, route string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, hr.url(route), body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hr.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, route, resp.StatusCode, raw)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.Unmarshal(raw, out)
}

func (hr *HttpReader) GetHello() (string, error) {
	var out map[string]string
	if _, err := hr.do(http.MethodGet, ROUTE_HELLO, nil, &out); err != nil {
		return "", err
	}
	return out["message"], nil
}

func (hr *HttpReader) GetStatus() (*StatusResponse, error) {
	var out StatusResponse
	if _, err := hr.do(http.MethodGet, ROUTE_STATUS, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessRedemption returns the http status along with the result.
func (hr *HttpReader) ProcessRedemption(params settlement.RedemptionParams) (*settlement.Result, int, error) {
	var out settlement.Result
	code, err := hr.do(http.MethodPost, ROUTE_REDEMPTION, params, &out)
	if err != nil {
		return nil, code, err
	}
	return &out, code, nil
}

func (hr *HttpReader) CheckReserve(asset agreement.Asset, amount string) (*reserve.JSONCheck, error) {
	q := url.Values{}
	q.Set("asset", string(asset))
	q.Set("amount", amount)

	var out reserve.JSONCheck
	if _, err := hr.do(http.MethodGet, ROUTE_RESERVE+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (hr *HttpReader) GetReserve(asset agreement.Asset) (*reserve.JSONSnapshot, error) {
	var out reserve.JSONSnapshot
	if _, err := hr.do(http.MethodGet, ROUTE_RESERVE+"/"+string(asset), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (hr *HttpReader) RecordTransfer(m *agreement.JSONTransferMetadata) error {
	_, err := hr.do(http.MethodPost, ROUTE_TRANSFERS, m, nil)
	return err
}

func (hr *HttpReader) GetTransaction(id string) (*state.JSONTransaction, error) {
	var out struct {
		Data *state.JSONTransaction `json:"data"`
	}
	if _, err := hr.do(http.MethodGet, ROUTE_TRANSACTIONS+"/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (hr *HttpReader) SetPaused(paused bool) (*GuardsResponse, error) {
	var out GuardsResponse
	if _, err := hr.do(http.MethodPost, ROUTE_PAUSE, PauseRequest{Paused: &paused}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (hr *HttpReader) SetMaxPayout(amount string) (*GuardsResponse, error) {
	var out GuardsResponse
	if _, err := hr.do(http.MethodPost, ROUTE_MAX_PAYOUT, MaxPayoutRequest{Amount: amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
