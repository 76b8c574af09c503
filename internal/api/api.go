package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hostinger/nd6d/internal/logger"
	"github.com/hostinger/nd6d/internal/neighbor"
)

// Cache is the part of the neighbor cache the API exposes.
type Cache interface {
	Entries() []neighbor.Info
	GetEntryInfo(addr netip.Addr, ifindex int) (neighbor.Info, error)
	Purge(ifindex int) int
	Resolve(dst netip.Addr, ifindex int, pkt *neighbor.Packet) neighbor.Result
	Interfaces() []neighbor.Interface
}

// SnifferLister reports the interfaces being captured on.
type SnifferLister interface {
	ListActiveSniffers() map[string]time.Time
}

type API struct {
	Cache   Cache
	Sniffer SnifferLister
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type NeighborView struct {
	IP           string     `json:"ip"`
	Interface    string     `json:"interface"`
	LinkIndex    int        `json:"link_index"`
	HardwareAddr string     `json:"hwAddr"`
	Afi          string     `json:"afi"`
	State        string     `json:"state"`
	Router       bool       `json:"router"`
	Retries      int        `json:"retries"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Permanent    bool       `json:"permanent"`
	Proxy        bool       `json:"proxy"`
	Pending      bool       `json:"pending"`
}

// Handler returns the API routes together with the metrics endpoint.
func (a *API) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/neighbors", a.ListNeighborsHandler)
	mux.HandleFunc("/neighbors/info", a.GetNeighborHandler)
	mux.HandleFunc("/purge", a.PurgeHandler)
	mux.HandleFunc("/resolve", a.ResolveHandler)
	mux.HandleFunc("/sniffed-interfaces", a.ListSniffedInterfacesHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, code int, err string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if encErr := json.NewEncoder(w).Encode(ErrorResponse{
		Error:   err,
		Message: message,
		Code:    code,
	}); encErr != nil {
		logger.Error("Failed to encode error response: %v", encErr)
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) bool {
	if r.Method == allowed {
		return false
	}
	w.Header().Set("Allow", allowed)
	writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed",
		"Only "+allowed+" method is allowed")
	return true
}

func (a *API) interfaceNames() map[int]string {
	names := make(map[int]string)
	for _, ifc := range a.Cache.Interfaces() {
		names[ifc.Index] = ifc.Name
	}
	return names
}

// resolveInterface accepts an interface index or name.
func (a *API) resolveInterface(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if idx, err := strconv.Atoi(s); err == nil {
		return idx, true
	}
	for _, ifc := range a.Cache.Interfaces() {
		if ifc.Name == s {
			return ifc.Index, true
		}
	}
	return 0, false
}

func neighborView(info neighbor.Info, names map[int]string) NeighborView {
	afi := "v6"
	if info.Addr.Is4() {
		afi = "v4"
	}

	view := NeighborView{
		IP:        info.Addr.String(),
		Interface: names[info.Interface],
		LinkIndex: info.Interface,
		Afi:       afi,
		State:     info.State.String(),
		Router:    info.IsRouter,
		Retries:   info.Retries,
		Permanent: info.Permanent,
		Proxy:     info.Proxy,
		Pending:   info.Pending,
	}
	if len(info.LinkAddr) > 0 {
		view.HardwareAddr = info.LinkAddr.String()
	}
	if !info.ExpireAt.IsZero() {
		expires := info.ExpireAt
		view.ExpiresAt = &expires
	}
	return view
}

func (a *API) ListNeighborsHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}

	names := a.interfaceNames()
	output := []NeighborView{}
	for _, info := range a.Cache.Entries() {
		output = append(output, neighborView(info, names))
	}

	writeJSONResponse(w, map[string]interface{}{
		"neighbors": output,
		"count":     len(output),
		"timestamp": time.Now(),
	})
}

func (a *API) GetNeighborHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}

	addr, err := netip.ParseAddr(r.URL.Query().Get("addr"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_address", "Query parameter addr must be an IP address")
		return
	}
	ifindex, ok := a.resolveInterface(r.URL.Query().Get("interface"))
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_interface", "Query parameter interface must name a known interface")
		return
	}

	info, err := a.Cache.GetEntryInfo(addr, ifindex)
	if errors.Is(err, neighbor.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "No neighbor entry for "+addr.String())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSONResponse(w, neighborView(info, a.interfaceNames()))
}

func (a *API) PurgeHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}

	ifindex, ok := a.resolveInterface(r.URL.Query().Get("interface"))
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_interface", "Query parameter interface must name a known interface")
		return
	}

	n := a.Cache.Purge(ifindex)
	logger.Info("Purged %d neighbor entries on interface %d", n, ifindex)
	writeJSONResponse(w, map[string]interface{}{
		"link_index": ifindex,
		"purged":     n,
		"timestamp":  time.Now(),
	})
}

// ResolveHandler starts or refreshes resolution of addr without queueing a
// packet. A stale entry moves to DELAY and an unknown one is solicited.
func (a *API) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodPost) {
		return
	}

	addr, err := netip.ParseAddr(r.URL.Query().Get("addr"))
	if err != nil || !addr.Is6() || addr.Is4In6() {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_address", "Query parameter addr must be an IPv6 address")
		return
	}
	ifindex, ok := a.resolveInterface(r.URL.Query().Get("interface"))
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_interface", "Query parameter interface must name a known interface")
		return
	}

	res := a.Cache.Resolve(addr, ifindex, nil)
	if res.Kind == neighbor.Failed {
		writeErrorResponse(w, http.StatusUnprocessableEntity, "resolve_failed", res.Err.Error())
		return
	}

	response := map[string]interface{}{
		"ip":         addr.String(),
		"link_index": ifindex,
		"result":     res.Kind.String(),
		"timestamp":  time.Now(),
	}
	if len(res.LinkAddr) > 0 {
		response["hwAddr"] = res.LinkAddr.String()
	}
	writeJSONResponse(w, response)
}

func (a *API) ListSniffedInterfacesHandler(w http.ResponseWriter, r *http.Request) {
	if methodNotAllowed(w, r, http.MethodGet) {
		return
	}

	type SniffedInterface struct {
		Interface string    `json:"interface"`
		StartedAt time.Time `json:"started_at"`
		Uptime    int64     `json:"uptime_seconds"`
	}

	sniffed := []SniffedInterface{}
	if a.Sniffer != nil {
		for iface, started := range a.Sniffer.ListActiveSniffers() {
			sniffed = append(sniffed, SniffedInterface{
				Interface: iface,
				StartedAt: started,
				Uptime:    int64(time.Since(started).Seconds()),
			})
		}
	}

	sort.Slice(sniffed, func(i, j int) bool {
		return sniffed[i].Interface < sniffed[j].Interface
	})

	writeJSONResponse(w, map[string]interface{}{
		"interfaces": sniffed,
		"count":      len(sniffed),
		"timestamp":  time.Now(),
	})
}
