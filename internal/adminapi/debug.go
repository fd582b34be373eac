package adminapi

import (
	"net/http"

	"github.com/fjl/memsize/memsizeui"
)

// DebugHandler exposes an fjl/memsize memory-footprint report over HTTP,
// the same way go-ethereum-derived nodes wire up their /memsize route —
// handy when a stratifier with a large workbase/txcache retention window
// needs live heap introspection without attaching a profiler.
type DebugHandler struct {
	ui *memsizeui.Handler
}

// NewDebugHandler builds a DebugHandler reporting on root's retained size.
func NewDebugHandler(root interface{}) *DebugHandler {
	h := &memsizeui.Handler{}
	h.Add("pool", root)
	return &DebugHandler{ui: h}
}

func (d *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.ui.ServeHTTP(w, r)
}
