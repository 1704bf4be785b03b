package httpapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/justinas/alice"
)

// Route binds a handler to a method and httprouter path. Middlewares run in
// order, outermost first, after the global chain.
type Route struct {
	Path        string
	Method      string
	Handler     http.Handler
	Middlewares []alice.Constructor
}

func newRouter(routes ...[]Route) *httprouter.Router {
	router := httprouter.New()
	router.HandleMethodNotAllowed = true
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, errRouteNotFound)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, errMethodNotAllowed)
	})

	for _, group := range routes {
		for _, route := range group {
			router.Handler(route.Method, route.Path, alice.New(route.Middlewares...).Then(route.Handler))
		}
	}
	return router
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}
