package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/luciancaetano/rwsnet"
)

var errNoRoute = errors.New("no route matches uri")

// routeFunc answers a route command. vars holds the URI path variables.
type routeFunc func(rc *rwsnet.RouteContext, vars map[string]string) (any, error)

// routeTable matches the uri of route commands against gorilla/mux patterns.
type routeTable struct {
	router   *mux.Router
	handlers map[string]routeFunc
}

func newRouteTable(rooms func() []rwsnet.Room) *routeTable {
	t := &routeTable{
		router:   mux.NewRouter(),
		handlers: make(map[string]routeFunc),
	}

	t.add("echo", "/echo", func(rc *rwsnet.RouteContext, _ map[string]string) (any, error) {
		if len(rc.Body) == 0 {
			return nil, nil
		}
		return rc.Body, nil
	})
	t.add("time", "/time", func(*rwsnet.RouteContext, map[string]string) (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	})
	t.add("room", "/rooms/{name}", func(_ *rwsnet.RouteContext, vars map[string]string) (any, error) {
		for _, room := range rooms() {
			if room.Name == vars["name"] {
				return room, nil
			}
		}
		return rwsnet.Room{Name: vars["name"], MemberIDs: []string{}}, nil
	})
	return t
}

func (t *routeTable) add(name, path string, fn routeFunc) {
	t.router.NewRoute().Name(name).Path(path)
	t.handlers[name] = fn
}

// match returns the handler and path variables registered for uri.
func (t *routeTable) match(uri string) (routeFunc, map[string]string, error) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, nil, err
	}

	var m mux.RouteMatch
	if !t.router.Match(req, &m) || m.Route == nil {
		return nil, nil, errNoRoute
	}
	return t.handlers[m.Route.GetName()], m.Vars, nil
}

// handle answers the caller with the handler result, or with an error
// envelope when the uri is unknown.
func (t *routeTable) handle(ctx context.Context, rc *rwsnet.RouteContext) {
	var (
		reply *rwsnet.Envelope
		err   error
	)

	fn, vars, err := t.match(rc.URI)
	if err == nil {
		var result any
		if result, err = fn(rc, vars); err == nil {
			reply, err = rc.Envelope.Reply(rc.Conn.ID(), map[string]any{
				"uri":    rc.URI,
				"result": result,
			})
		}
	}
	if err != nil {
		reply, err = rwsnet.NewEnvelope(rwsnet.ServerID, rwsnet.To(rc.Conn.ID()), rwsnet.CmdError, err.Error())
		if err != nil {
			return
		}
		reply.ID = rc.Envelope.ID
	}
	rc.Respond(ctx, reply)
}
