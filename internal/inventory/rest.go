package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devicelease/internal/device"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20

	statusSuccess = "SUCCESS"
	statusFailure = "FAILURE"
)

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
}

// RESTClient talks JSON over HTTP to the inventory service. It implements
// Client. Each method makes exactly one request.
type RESTClient struct {
	baseURL *url.URL
	token   string
	http    *http.Client

	observerMu sync.RWMutex
	observer   Observer
}

// NewRESTClient validates cfg and returns a client.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", ErrInvalidConfig, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url scheme must be http or https, got %q", ErrInvalidConfig, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: base url has no host", ErrInvalidConfig)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &RESTClient{
		baseURL: base,
		token:   cfg.Token,
		http:    hc,
	}, nil
}

// SetObserver registers fn to be called after every request.
func (c *RESTClient) SetObserver(fn Observer) {
	c.observerMu.Lock()
	c.observer = fn
	c.observerMu.Unlock()
}

func (c *RESTClient) observe(op string, start time.Time, err error) {
	c.observerMu.RLock()
	fn := c.observer
	c.observerMu.RUnlock()
	if fn != nil {
		fn(op, time.Since(start), err)
	}
}

// Wire format. Field names follow the inventory service's JSON.

type deviceResponse struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	HostMacAddress    string            `json:"hostMacAddress"`
	Model             string            `json:"model"`
	Manufacturer      string            `json:"manufacturer"`
	SerialNumber      string            `json:"serialNumber"`
	DeviceType        string            `json:"deviceType"`
	RackName          string            `json:"rackName"`
	SlotName          string            `json:"slotName"`
	SettopGroupName   string            `json:"settopGroupName"`
	RackGroups        []string          `json:"rackGroups"`
	HomeAccountNumber string            `json:"homeAccountNumber"`
	Accessible        *bool             `json:"accessible"`
	ExtraProperties   map[string]string `json:"extraProperties"`
}

type lockRequest struct {
	MAC     string `json:"mac"`
	Holder  string `json:"holder"`
	Minutes int    `json:"minutes,omitempty"`
}

type macRequest struct {
	MAC string `json:"mac"`
}

type durationRequest struct {
	MAC     string `json:"mac"`
	Minutes int    `json:"minutes"`
}

type statusResponse struct {
	MAC      string `json:"mac"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	ErrorMsg string `json:"errorMsg"`
}

type allocationResponse struct {
	AllocationID     string `json:"allocationId"`
	AllocationStatus string `json:"allocationStatus"`
	UserName         string `json:"userName"`
	Start            string `json:"start"`
	End              string `json:"end"`
	LastModifiedDate string `json:"lastModifiedDate"`
}

type propertiesRequest struct {
	MAC        string   `json:"mac"`
	Properties []string `json:"properties"`
}

type propertiesResponse struct {
	MAC        string            `json:"mac"`
	Properties map[string]string `json:"properties"`
}

type accountResponse struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	AccountNumber    string           `json:"accountNumber"`
	PhoneNumber      string           `json:"phoneNumber"`
	Address          string           `json:"address"`
	HomeAccountGroup string           `json:"homeAccountGroup"`
	DeviceObjects    []deviceResponse `json:"deviceObjects"`
}

// GetDevice fetches one device record.
func (c *RESTClient) GetDevice(ctx context.Context, mac string) (rec *device.Record, err error) {
	start := time.Now()
	defer func() { c.observe(OpGetDevice, start, err) }()

	var out deviceResponse
	if err := c.do(ctx, OpGetDevice, mac, http.MethodGet, "device", url.Values{"mac": {mac}}, nil, &out); err != nil {
		if Classify(err) == ClassNotFound {
			return nil, fmt.Errorf("%w: %w", device.ErrDeviceNotFound, err)
		}
		return nil, err
	}
	return out.toRecord(mac), nil
}

// Lock requests an exclusive lock on mac for holder.
func (c *RESTClient) Lock(ctx context.Context, mac, holder string, minutes int) (err error) {
	start := time.Now()
	defer func() { c.observe(OpLock, start, err) }()

	return c.doStatus(ctx, OpLock, mac, http.MethodPost, "device/lock",
		lockRequest{MAC: mac, Holder: holder, Minutes: minutes})
}

// Release frees the lock on mac.
func (c *RESTClient) Release(ctx context.Context, mac string) (err error) {
	start := time.Now()
	defer func() { c.observe(OpRelease, start, err) }()

	return c.doStatus(ctx, OpRelease, mac, http.MethodPost, "device/release", macRequest{MAC: mac})
}

// ExtendLock sets the total lock duration of mac to minutes.
func (c *RESTClient) ExtendLock(ctx context.Context, mac string, minutes int) (err error) {
	start := time.Now()
	defer func() { c.observe(OpExtendLock, start, err) }()

	return c.doStatus(ctx, OpExtendLock, mac, http.MethodPut, "device/lockduration",
		durationRequest{MAC: mac, Minutes: minutes})
}

// AllocationStatus reports whether mac is locked and by whom.
func (c *RESTClient) AllocationStatus(ctx context.Context, mac string) (alloc *Allocation, err error) {
	start := time.Now()
	defer func() { c.observe(OpAllocationStatus, start, err) }()

	var out allocationResponse
	if err := c.do(ctx, OpAllocationStatus, mac, http.MethodGet, "device/allocationstatus",
		url.Values{"mac": {mac}}, nil, &out); err != nil {
		return nil, err
	}

	state := AllocationState(strings.ToUpper(out.AllocationStatus))
	if state != AllocationLocked && state != AllocationAvailable {
		return nil, fmt.Errorf("%w: allocation status %q for %s", ErrMalformedResponse, out.AllocationStatus, mac)
	}
	return &Allocation{
		ID:           out.AllocationID,
		MAC:          mac,
		State:        state,
		Holder:       out.UserName,
		Start:        parseTime(out.Start),
		End:          parseTime(out.End),
		LastModified: parseTime(out.LastModifiedDate),
	}, nil
}

// DeviceProperties fetches named properties of mac. An empty names list asks
// for everything the inventory holds.
func (c *RESTClient) DeviceProperties(ctx context.Context, mac string, names []string) (props map[string]string, err error) {
	start := time.Now()
	defer func() { c.observe(OpProperties, start, err) }()

	var out propertiesResponse
	if err := c.do(ctx, OpProperties, mac, http.MethodPost, "device/properties", nil,
		propertiesRequest{MAC: mac, Properties: names}, &out); err != nil {
		return nil, err
	}
	if out.Properties == nil {
		out.Properties = map[string]string{}
	}
	return out.Properties, nil
}

// Account fetches a home account and the devices attached to it.
func (c *RESTClient) Account(ctx context.Context, accountNumber string) (acct *Account, err error) {
	start := time.Now()
	defer func() { c.observe(OpAccount, start, err) }()

	var out accountResponse
	if err := c.do(ctx, OpAccount, "", http.MethodGet, "account",
		url.Values{"number": {accountNumber}}, nil, &out); err != nil {
		return nil, err
	}

	acct = &Account{
		ID:            out.ID,
		AccountNumber: out.AccountNumber,
		Name:          out.Name,
		PhoneNumber:   out.PhoneNumber,
		Address:       out.Address,
		Group:         out.HomeAccountGroup,
	}
	for _, d := range out.DeviceObjects {
		acct.Devices = append(acct.Devices, *d.toRecord(d.HostMacAddress))
	}
	return acct, nil
}

// doStatus performs a request whose body is a StatusResponse and turns a
// FAILURE into a *StatusError.
func (c *RESTClient) doStatus(ctx context.Context, op, mac, method, path string, body any) error {
	var out statusResponse
	if err := c.do(ctx, op, mac, method, path, nil, body, &out); err != nil {
		return err
	}
	switch strings.ToUpper(out.Status) {
	case statusSuccess:
		return nil
	case statusFailure:
		return &StatusError{
			Op:         op,
			MAC:        mac,
			HTTPStatus: http.StatusOK,
			Reason:     strings.ToUpper(out.Reason),
			Message:    out.ErrorMsg,
		}
	default:
		return fmt.Errorf("%w: %s %s: status %q", ErrMalformedResponse, op, mac, out.Status)
	}
}

// do sends one JSON request. Non-2xx responses become *StatusError, with the
// reason taken from the body when it is a StatusResponse.
func (c *RESTClient) do(ctx context.Context, op, mac, method, path string, query url.Values, body, out any) error {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("inventory %s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("inventory %s: building request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inventory %s %s: %w", op, mac, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("inventory %s %s: reading response: %w", op, mac, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{Op: op, MAC: mac, HTTPStatus: resp.StatusCode}
		var sr statusResponse
		if json.Unmarshal(raw, &sr) == nil {
			statusErr.Reason = strings.ToUpper(sr.Reason)
			statusErr.Message = sr.ErrorMsg
		} else {
			statusErr.Message = strings.TrimSpace(string(raw))
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedResponse, op, mac, err)
	}
	return nil
}

func (d deviceResponse) toRecord(mac string) *device.Record {
	if d.HostMacAddress != "" {
		mac = d.HostMacAddress
	}
	groups := append([]string(nil), d.RackGroups...)
	if d.SettopGroupName != "" {
		groups = append(groups, d.SettopGroupName)
	}
	accessible := true
	if d.Accessible != nil {
		accessible = *d.Accessible
	}
	return &device.Record{
		MAC:           mac,
		ID:            d.ID,
		Name:          d.Name,
		Model:         d.Model,
		Manufacturer:  d.Manufacturer,
		SerialNumber:  d.SerialNumber,
		Category:      d.DeviceType,
		Groups:        groups,
		Accessible:    accessible,
		RackName:      d.RackName,
		SlotName:      d.SlotName,
		AccountNumber: d.HomeAccountNumber,
		Properties:    d.ExtraProperties,
		FetchedAt:     time.Now().UTC(),
	}
}

// parseTime accepts RFC 3339 or the inventory's legacy "yyyy-MM-dd HH:mm:ss"
// form. Unparseable values yield the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
