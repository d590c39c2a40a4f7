package worker

import (
	"errors"
	"fmt"

	"github.com/l0p7/shellcache/internal/config"
	"github.com/l0p7/shellcache/internal/expr"
)

// Strategy names how an intercepted request is answered.
type Strategy string

const (
	CacheFirst           Strategy = config.StrategyCacheFirst
	NetworkFirst         Strategy = config.StrategyNetworkFirst
	StaleWhileRevalidate Strategy = config.StrategyStaleWhileRevalidate
)

// Route is the strategy selected for a request.
type Route struct {
	Name     string
	Strategy Strategy
}

// DefaultRoute applies when no rule matches.
var DefaultRoute = Route{Name: "default", Strategy: CacheFirst}

type compiledRoute struct {
	Route
	program expr.Program
}

// Router picks a strategy per request from ordered CEL rules. The first
// matching rule wins. A nil Router always selects DefaultRoute.
type Router struct {
	routes []compiledRoute
}

// NewRouter compiles the rules against env.
func NewRouter(env *expr.Environment, rules []config.RouteConfig) (*Router, error) {
	if len(rules) == 0 {
		return &Router{}, nil
	}
	if env == nil {
		return nil, errors.New("worker: route rules require a CEL environment")
	}
	routes := make([]compiledRoute, 0, len(rules))
	for i, rule := range rules {
		program, err := env.Compile(rule.Match)
		if err != nil {
			return nil, fmt.Errorf("worker: route %d: %w", i, err)
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		strategy := Strategy(rule.Strategy)
		switch strategy {
		case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		case "":
			strategy = CacheFirst
		default:
			return nil, fmt.Errorf("worker: route %q: unsupported strategy %q", name, rule.Strategy)
		}
		routes = append(routes, compiledRoute{Route: Route{Name: name, Strategy: strategy}, program: program})
	}
	return &Router{routes: routes}, nil
}

// Select returns the first matching route. Rules that fail to evaluate are
// skipped and their errors returned alongside the selected route.
func (r *Router) Select(req Request) (Route, error) {
	if r == nil || len(r.routes) == 0 {
		return DefaultRoute, nil
	}
	activation := req.Activation()
	var errs []error
	for _, route := range r.routes {
		matched, err := route.program.EvalBool(activation)
		if err != nil {
			errs = append(errs, fmt.Errorf("worker: route %q: %w", route.Name, err))
			continue
		}
		if matched {
			return route.Route, errors.Join(errs...)
		}
	}
	return DefaultRoute, errors.Join(errs...)
}
