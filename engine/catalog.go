package engine

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/matyoung89/ComfyEndpoints/errors"
)

func decodeCatalog(data []byte, out *map[string]interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode catalog response")
	}
	return nil
}

// catalogGet walks the known URL prefixes for a catalog path and returns
// the first non-404 JSON response.
func (c *Client) catalogGet(ctx context.Context, path string) (map[string]interface{}, error) {
	var lastErr error
	for _, prefix := range catalogPrefixes {
		status, data, err := c.do(ctx, http.MethodGet, prefix+path, nil)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			lastErr = newError(status, data)
			continue
		}
		if status < 200 || status >= 300 {
			return nil, newError(status, data)
		}
		out := map[string]interface{}{}
		if err := decodeCatalog(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, lastErr
}

// ExternalModels returns the manager's downloadable-model catalog.
func (c *Client) ExternalModels(ctx context.Context) (map[string]interface{}, error) {
	return c.catalogGet(ctx, "externalmodel/getlist?mode=cache")
}

// CustomNodeMappings returns the class_type -> node-pack mapping catalog.
func (c *Client) CustomNodeMappings(ctx context.Context) (map[string]interface{}, error) {
	return c.catalogGet(ctx, "customnode/getmappings?mode=cache")
}

// CustomNodeList returns the installable node-pack catalog.
func (c *Client) CustomNodeList(ctx context.Context) (map[string]interface{}, error) {
	return c.catalogGet(ctx, "customnode/getlist?mode=cache")
}

// InstallCustomNodeByGitURL asks the manager to install a node pack from a
// git URL. The response is free-form text.
func (c *Client) InstallCustomNodeByGitURL(ctx context.Context, gitURL string) (string, error) {
	var lastErr error
	for _, prefix := range catalogPrefixes {
		status, data, err := c.do(ctx, http.MethodPost, prefix+"customnode/install/git_url",
			map[string]interface{}{"url": gitURL})
		if err != nil {
			return "", err
		}
		if status == http.StatusNotFound {
			lastErr = newError(status, data)
			continue
		}
		if status < 200 || status >= 300 {
			return "", newError(status, data)
		}
		return string(data), nil
	}
	return "", lastErr
}
