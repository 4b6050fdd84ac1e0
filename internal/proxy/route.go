package proxy

import "strings"

// defaultPrefixes are the recognized proxy path prefixes when a deployment
// doesn't configure its own.
var defaultPrefixes = []string{"svc", "api", "gateway"}

// router matches the first path segment of an inbound request against a
// configured set of recognized prefixes, case-insensitively.
type router struct {
	prefixes map[string]bool
}

// newRouter builds a router from a deployment's configured prefix list,
// falling back to defaultPrefixes when none was configured.
func newRouter(prefixes []string) *router {
	if len(prefixes) == 0 {
		prefixes = defaultPrefixes
	}
	set := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		set[strings.ToLower(p)] = true
	}
	return &router{prefixes: set}
}

// extractRoute splits an inbound request path, shaped
// "{prefix}/{serviceName}/{subpath...}", into its target service name and
// forwarded subpath. ok is false when the path does not match that shape.
func (r *router) extractRoute(path string) (serviceName, subpath string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.SplitN(trimmed, "/", 3)
	if len(segments) < 2 {
		return "", "", false
	}
	if !r.prefixes[strings.ToLower(segments[0])] {
		return "", "", false
	}
	serviceName = segments[1]
	if serviceName == "" {
		return "", "", false
	}
	if len(segments) == 3 {
		subpath = "/" + segments[2]
	} else {
		subpath = "/"
	}
	return serviceName, subpath, true
}
