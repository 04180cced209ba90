// Package skapi provides typed wrappers over the SpatialKey v2 REST surface.
//
// Every call first makes sure the AuthSession holds a usable token (logging
// in again when the held one no longer validates) and then issues exactly
// one transport request.
package skapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
	"github.com/SpatialKey/skdm-sub000/pkg/session"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// ProtocolError reports a response missing a JSON path the call needed.
type ProtocolError = transport.ProtocolError

const (
	uploadField       = "file"
	uploadContentType = "application/octet-stream"
)

// Method names accepted by the dataset overwrite/append endpoint.
const (
	MethodOverwrite = "Overwrite"
	MethodAppend    = "Append"
)

// Resource is one entry of a dataset or insurance listing.
type Resource struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Created  string         `json:"created,omitempty"`
	Modified string         `json:"modified,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Client is the typed ResourceAPI.
type Client struct {
	session   *session.AuthSession
	transport *transport.Client
	logger    *slog.Logger
}

// New creates a Client that authenticates through s and sends through tc.
func New(s *session.AuthSession, tc *transport.Client, logger *slog.Logger) *Client {
	return &Client{
		session:   s,
		transport: tc,
		logger:    logging.Component(logger, "skapi"),
	}
}

func (c *Client) ensure(ctx context.Context) error {
	_, err := c.session.Login(ctx, "")
	return err
}

func seg(s string) string {
	return url.PathEscape(s)
}

// Upload sends the files as one multipart upload and returns the uploadId.
func (c *Client) Upload(ctx context.Context, paths []string) (string, error) {
	if err := c.ensure(ctx); err != nil {
		return "", err
	}
	resp, err := c.transport.PostMultipart(ctx, c.session.Call("upload.json"), paths, uploadField, uploadContentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return resp.RequireString("upload/uploadId")
}

// UploadStatus fetches and decodes the status document of an upload.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	resp, err := c.transport.Get(ctx, c.session.Call("upload/"+seg(uploadID)+".json"), http.MethodGet)
	if err != nil {
		return nil, fmt.Errorf("upload status %s: %w", uploadID, err)
	}
	return DecodeStatus(uploadID, resp.Body)
}

// SampleConfig asks the server to construct a sample import descriptor for
// an upload using the named import method, and returns it as XML text.
func (c *Client) SampleConfig(ctx context.Context, uploadID, method string) (string, error) {
	if err := c.ensure(ctx); err != nil {
		return "", err
	}
	cmd := "upload/" + seg(uploadID) + "/construct/" + seg(method) + ".xml"
	resp, err := c.transport.Get(ctx, c.session.Call(cmd), http.MethodGet)
	if err != nil {
		return "", fmt.Errorf("sample config %s: %w", uploadID, err)
	}
	return resp.Text(), nil
}

// CancelUpload deletes an upload server-side.
func (c *Client) CancelUpload(ctx context.Context, uploadID string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if _, err := c.transport.Get(ctx, c.session.Call("upload/"+seg(uploadID)+".json"), http.MethodDelete); err != nil {
		return fmt.Errorf("cancel upload %s: %w", uploadID, err)
	}
	return nil
}

// DatasetCreate imports an upload as a new dataset described by descriptor.
func (c *Client) DatasetCreate(ctx context.Context, uploadID, descriptor string) (bool, error) {
	return c.postDescriptor(ctx, "upload/"+seg(uploadID)+"/dataset.json", descriptor)
}

// DatasetOverwrite replaces the rows of datasetID with the upload.
func (c *Client) DatasetOverwrite(ctx context.Context, uploadID, datasetID, descriptor string) (bool, error) {
	return c.postDescriptor(ctx, "upload/"+seg(uploadID)+"/dataset/"+seg(datasetID)+".json", descriptor,
		transport.Param{Key: "method", Value: MethodOverwrite})
}

// DatasetAppend appends the upload's rows to datasetID.
func (c *Client) DatasetAppend(ctx context.Context, uploadID, datasetID, descriptor string) (bool, error) {
	return c.postDescriptor(ctx, "upload/"+seg(uploadID)+"/dataset/"+seg(datasetID)+".json", descriptor,
		transport.Param{Key: "method", Value: MethodAppend})
}

// InsuranceCreate imports an upload of policy and location files as a new insurance.
func (c *Client) InsuranceCreate(ctx context.Context, uploadID, descriptor string) (bool, error) {
	return c.postDescriptor(ctx, "upload/"+seg(uploadID)+"/insurance.json", descriptor)
}

// InsuranceOverwrite replaces insuranceID with the upload.
func (c *Client) InsuranceOverwrite(ctx context.Context, uploadID, insuranceID, descriptor string) (bool, error) {
	return c.postDescriptor(ctx, "upload/"+seg(uploadID)+"/insurance/overwrite.json", descriptor,
		transport.Param{Key: "insuranceId", Value: insuranceID})
}

// InsuranceCreateFromExistingDatasets creates an insurance linking datasets
// already on the server, named in descriptor. The server tracks the work as
// an upload, whose id is returned.
func (c *Client) InsuranceCreateFromExistingDatasets(ctx context.Context, descriptor string) (string, error) {
	if err := c.ensure(ctx); err != nil {
		return "", err
	}
	resp, err := c.transport.PostXMLFile(ctx, c.session.Call("upload/insurance.json"), descriptor)
	if err != nil {
		return "", fmt.Errorf("insurance from existing datasets: %w", err)
	}
	return resp.RequireString("upload/uploadId")
}

func (c *Client) postDescriptor(ctx context.Context, command, descriptor string, params ...transport.Param) (bool, error) {
	if err := c.ensure(ctx); err != nil {
		return false, err
	}
	resp, err := c.transport.PostXMLFile(ctx, c.session.Call(command, params...), descriptor)
	if err != nil {
		return false, fmt.Errorf("%s: %w", command, err)
	}
	return acknowledged(resp), nil
}

// acknowledged reports whether a 2xx response carried an empty or JSON body.
func acknowledged(resp *transport.Response) bool {
	if len(resp.Body) == 0 {
		return true
	}
	return json.Valid(resp.Body)
}

// DatasetList lists the organization's datasets.
func (c *Client) DatasetList(ctx context.Context) ([]Resource, error) {
	return c.list(ctx, "dataset.json")
}

// InsuranceList lists the organization's insurances.
func (c *Client) InsuranceList(ctx context.Context) ([]Resource, error) {
	return c.list(ctx, "insurance.json")
}

// DatasetDelete deletes a dataset.
func (c *Client) DatasetDelete(ctx context.Context, datasetID string) error {
	return c.delete(ctx, "dataset/"+seg(datasetID)+".json")
}

// InsuranceDelete deletes an insurance.
func (c *Client) InsuranceDelete(ctx context.Context, insuranceID string) error {
	return c.delete(ctx, "insurance/"+seg(insuranceID)+".json")
}

func (c *Client) delete(ctx context.Context, command string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if _, err := c.transport.Get(ctx, c.session.Call(command), http.MethodDelete); err != nil {
		return fmt.Errorf("delete %s: %w", command, err)
	}
	return nil
}

func (c *Client) list(ctx context.Context, command string) ([]Resource, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	resp, err := c.transport.Get(ctx, c.session.Call(command), http.MethodGet)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", command, err)
	}

	var doc struct {
		Value *[]map[string]any `json:"value"`
	}
	if err := json.Unmarshal(resp.Body, &doc); err != nil || doc.Value == nil {
		return nil, &ProtocolError{Path: "value", Raw: resp.Text()}
	}

	out := make([]Resource, 0, len(*doc.Value))
	for _, item := range *doc.Value {
		r := Resource{
			ID:       stringField(item, "id"),
			Label:    stringField(item, "label"),
			Created:  stringField(item, "created"),
			Modified: stringField(item, "modified"),
		}
		for k, v := range item {
			switch k {
			case "id", "label", "created", "modified":
				continue
			}
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[k] = v
		}
		out = append(out, r)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}
