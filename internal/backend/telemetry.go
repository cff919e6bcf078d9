// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gophercloud/gophercloud/v2"

	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// InstanceSamples fetches the samples recorded for one instance meter
// in the given interval. The telemetry service has no gophercloud
// bindings, so this talks to its v2 API directly. Timestamps are
// RFC 3339 strings as the service reports them.
func (b *tenantBackend) InstanceSamples(ctx context.Context, instance *models.Instance, meter, start, end string) ([]Sample, error) {
	var result []Sample
	err := b.do(ctx, "list instance samples", func(ctx context.Context) error {
		sc, err := b.clients.telemetry(ctx)
		if err != nil {
			return err
		}

		query := url.Values{}
		query.Add("q.field", "resource_id")
		query.Add("q.op", "eq")
		query.Add("q.value", instance.BackendID)
		if start != "" {
			query.Add("q.field", "timestamp")
			query.Add("q.op", "ge")
			query.Add("q.value", start)
		}
		if end != "" {
			query.Add("q.field", "timestamp")
			query.Add("q.op", "lt")
			query.Add("q.value", end)
		}

		requestURL, err := url.Parse(sc.Endpoint)
		if err != nil {
			return err
		}
		requestURL.Path = strings.TrimSuffix(requestURL.Path, "/") +
			"/v2/meters/" + url.PathEscape(meter)
		requestURL.RawQuery = query.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), http.NoBody)
		if err != nil {
			return err
		}
		req.Header.Set("X-Auth-Token", sc.Token())
		req.Header.Set("Accept", "application/json")
		resp, err := sc.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			// Routes rejected sessions through the same retry as the
			// gophercloud calls.
			return gophercloud.ErrUnexpectedResponseCode{Actual: resp.StatusCode}
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
