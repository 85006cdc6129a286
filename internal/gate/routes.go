package gate

import (
	"strings"

	"github.com/tollgate/server/pkg/x402"
)

// Route is one paid endpoint guarded by the gate. Pattern segments of the
// form ":name" match any single path segment.
type Route struct {
	Method      string
	Pattern     string
	Price       string // human-readable stablecoin units
	Description string
	PayTo       string
	Chains      []x402.Chain
	EndpointID  string
}

// match reports whether the request hits this route and returns the
// captured path parameters.
func (r Route) match(method, path string) (map[string]string, bool) {
	if !strings.EqualFold(method, r.Method) {
		return nil, false
	}
	want := splitPath(r.Pattern)
	got := splitPath(path)
	if len(want) != len(got) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range want {
		if strings.HasPrefix(seg, ":") {
			if got[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg[1:]] = got[i]
			continue
		}
		if seg != got[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

type routeTable struct {
	routes []Route
}

func (t routeTable) match(method, path string) (*Route, map[string]string, bool) {
	for i := range t.routes {
		if params, ok := t.routes[i].match(method, path); ok {
			return &t.routes[i], params, true
		}
	}
	return nil, nil, false
}
