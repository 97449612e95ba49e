package retrieval

import (
	"net/url"
	"strings"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// ParseObjectURL reports whether raw addresses an object in the object
// store, and if so which one. It understands s3:// URIs, AWS virtual-hosted
// and path-style hosts, and path-style URLs on the configured endpoint
// (host[:port], e.g. a MinIO deployment).
func ParseObjectURL(raw, endpoint string) (model.Location, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return model.Location{}, false
	}
	host := strings.ToLower(u.Host)
	name := strings.ToLower(u.Hostname())

	switch {
	case u.Scheme == "s3":
		return location(u.Host, strings.TrimPrefix(u.Path, "/"))
	case endpoint != "" && host == strings.ToLower(endpointHost(endpoint)):
		return pathStyle(u.Path)
	case strings.HasSuffix(name, ".amazonaws.com"):
		if strings.HasPrefix(name, "s3.") || strings.HasPrefix(name, "s3-") {
			return pathStyle(u.Path)
		}
		for _, marker := range []string{".s3.", ".s3-"} {
			if i := strings.Index(name, marker); i > 0 {
				return location(u.Hostname()[:i], strings.TrimPrefix(u.Path, "/"))
			}
		}
	}
	return model.Location{}, false
}

func pathStyle(p string) (model.Location, bool) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return location(bucket, key)
}

func location(bucket, key string) (model.Location, bool) {
	if bucket == "" || key == "" {
		return model.Location{}, false
	}
	return model.Location{Bucket: bucket, Key: key}, true
}

// endpointHost strips an optional scheme from a configured endpoint.
func endpointHost(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil {
			return u.Host
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}
