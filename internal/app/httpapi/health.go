package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/donation_ledger/internal/httputil"
)

const healthCheckTimeout = 3 * time.Second

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Height uint64 `json:"height,omitempty"`
}

type hostHealth struct {
	UptimeSeconds      uint64  `json:"uptime_seconds,omitempty"`
	MemoryUsedPercent  float64 `json:"memory_used_percent,omitempty"`
	Goroutines         int     `json:"goroutines"`
	EventSubscriptions int     `json:"event_subscriptions,omitempty"`
}

type healthReport struct {
	Status string          `json:"status"`
	Store  componentHealth `json:"store"`
	Ledger componentHealth `json:"ledger"`
	Host   hostHealth      `json:"host"`
}

// health reports store and ledger reachability. Either being down yields 503
// so load balancers stop routing to the instance.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	report := healthReport{Status: "ok", Store: componentHealth{Status: "ok"}, Ledger: componentHealth{Status: "ok"}}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			report.Store = componentHealth{Status: "down", Error: err.Error()}
		}
	}
	if h.ledger != nil {
		height, err := h.ledger.BlockHeight(ctx)
		if err != nil {
			report.Ledger = componentHealth{Status: "down", Error: err.Error()}
		} else {
			report.Ledger.Height = height
		}
	}

	report.Host.Goroutines = runtime.NumGoroutine()
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		report.Host.UptimeSeconds = uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.Host.MemoryUsedPercent = vm.UsedPercent
	}
	if counter, ok := h.events.(interface{ Subscribers() int }); ok {
		report.Host.EventSubscriptions = counter.Subscribers()
	}

	status := http.StatusOK
	if report.Store.Status != "ok" || report.Ledger.Status != "ok" {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, report)
}
