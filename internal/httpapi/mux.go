package httpapi

import (
	"net/http"
)

func NewMux(store Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, store)
	return mux
}
