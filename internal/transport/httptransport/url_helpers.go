package httptransport

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/eliq/ceph/internal/sysauth"
	"github.com/eliq/ceph/internal/transport"
)

// BuildURL joins an endpoint and a resource path without doubling the slash.
// Endpoints without a scheme are treated as http.
func BuildURL(endpoint, resource string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	if !strings.HasPrefix(resource, "/") {
		resource = "/" + resource
	}
	return endpoint + resource
}

// ObjectResource returns the path-style resource of obj.
func ObjectResource(obj transport.Object) string {
	return "/" + url.PathEscape(obj.Bucket) + "/" + escapeKey(obj.Key)
}

// BuildObjectURL returns the path-style URL of obj on endpoint.
func BuildObjectURL(endpoint string, obj transport.Object) string {
	return BuildURL(endpoint, ObjectResource(obj))
}

// buildRequestURL appends args and system params to endpoint+resource.
// Caller args in the system parameter namespace are dropped; only params
// may set those.
func buildRequestURL(endpoint, resource string, args url.Values, params transport.Params) (*url.URL, error) {
	u, err := url.Parse(BuildURL(endpoint, resource))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	q := u.Query()
	for k := range q {
		if isSysParam(k) {
			q.Del(k)
		}
	}
	for k, vs := range args {
		if isSysParam(k) {
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = params.Apply(q).Encode()
	return u, nil
}

func isSysParam(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), sysauth.SysParamPrefix)
}

// escapeKey escapes each segment of an object key, keeping '/' separators.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
