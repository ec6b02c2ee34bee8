package netstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Debug HTTP endpoint providing JSON status.
////////////////////////////////////////////////////////////////////////////////

// EnableDebugHTTP starts a small debug server exposing internal state at
// /status. An empty addr is a no-op.
func (ns *Stack) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	ns.debugMu.Lock()
	defer ns.debugMu.Unlock()

	if ns.debugSrv != nil {
		return fmt.Errorf("debug http already enabled at %s", ns.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", ns.handleDebugStatus)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ns.debugSrv = srv
	ns.debugListener = ln
	ns.debugAddr = ln.Addr().String()

	ns.debugWG.Add(1)
	go func() {
		defer ns.debugWG.Done()
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			ns.log.Warn("netstack: debug http serve", "err", err)
		}
	}()

	ns.log.Info("netstack: debug http listening", "addr", ns.debugAddr)
	return nil
}

// DebugHTTPAddr returns the bound address of the debug HTTP server.
func (ns *Stack) DebugHTTPAddr() string {
	ns.debugMu.Lock()
	defer ns.debugMu.Unlock()
	return ns.debugAddr
}

func (ns *Stack) stopDebugHTTP() {
	ns.debugMu.Lock()
	srv := ns.debugSrv
	ln := ns.debugListener
	ns.debugSrv = nil
	ns.debugListener = nil
	ns.debugAddr = ""
	ns.debugMu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ns.log.Error("netstack: debug http shutdown", "err", err)
		}
		cancel()
	}
	ns.debugWG.Wait()
}

// handleDebugStatus writes a JSON dump of internal state.
func (ns *Stack) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status := ns.collectDebugStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		ns.log.Warn("netstack: debug status encode", "err", err)
	}
}

// debugStatus is the JSON structure exposed at /status.
type debugStatus struct {
	State        string            `json:"state"`
	MAC          string            `json:"mac"`
	Address      string            `json:"address"`
	Secondary    string            `json:"secondary,omitempty"`
	Gateway      string            `json:"gateway,omitempty"`
	DHCPState    string            `json:"dhcpState,omitempty"`
	LeaseSeconds uint32            `json:"leaseSeconds,omitempty"`
	ARP          []debugARPEntry   `json:"arp"`
	UDPListeners []uint16          `json:"udpListeners"`
	Sockets      []debugSocket     `json:"sockets"`
	TxInUse      int               `json:"txInUse"`
	TxQueued     int               `json:"txQueued"`
	RxQueued     int               `json:"rxQueued"`
	Reassembly   int               `json:"reassemblyActive"`
	Uptime       string            `json:"uptime"`
	DebugAddr    string            `json:"debugAddr"`
	Stats        map[string]uint64 `json:"stats"`
}

type debugARPEntry struct {
	IP     string `json:"ip"`
	MAC    string `json:"mac"`
	AgeSec uint32 `json:"ageSeconds"`
}

type debugSocket struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Local  string `json:"local"`
	Remote string `json:"remote,omitempty"`
	RxUsed int    `json:"rxUsed"`
	RTO    int    `json:"rtoTicks,omitempty"`
}

func (ns *Stack) collectDebugStatus() debugStatus {
	status := debugStatus{
		DebugAddr: ns.DebugHTTPAddr(),
		Stats:     ns.Stats(),
		RxQueued:  ns.rx.len(),
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	status.State = ns.state.String()
	status.MAC = ns.mac.String()
	status.Address = ns.primary.prefix().String()
	status.Uptime = ns.clock.now.String()
	if ns.secondary.ip != 0 {
		status.Secondary = ns.secondary.prefix().String()
	}
	if ns.gateway != 0 {
		status.Gateway = ns.gateway.String()
	}
	if ns.dhcp != nil {
		status.DHCPState = ns.dhcp.state.String()
		if ns.dhcp.lease.ip != 0 {
			status.LeaseSeconds = ns.dhcp.lease.lease
		}
	}

	for _, e := range ns.arp.entries {
		if e.ip == 0 {
			continue
		}
		status.ARP = append(status.ARP, debugARPEntry{
			IP:     e.ip.String(),
			MAC:    e.mac.String(),
			AgeSec: ns.clock.seconds - e.updated,
		})
	}
	for _, l := range ns.udp {
		if !l.free() {
			status.UDPListeners = append(status.UDPListeners, l.port)
		}
	}
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.state == SocketFree {
			continue
		}
		ds := debugSocket{
			ID:     SocketID{index: uint16(i), gen: sk.gen}.String(),
			Type:   sk.typ.String(),
			State:  sk.state.String(),
			Local:  fmt.Sprintf("%s:%d", sk.localIP, sk.localPort),
			RxUsed: sk.rxReady(),
		}
		if sk.remoteIP != 0 {
			ds.Remote = fmt.Sprintf("%s:%d", sk.remoteIP, sk.remotePort)
		}
		if sk.typ == SockStream {
			ds.RTO = sk.rtt.rto
		}
		status.Sockets = append(status.Sockets, ds)
	}
	status.TxInUse = ns.pool.inUse()
	status.TxQueued = ns.pool.queued()
	status.Reassembly = ns.reasm.active()

	slices.SortFunc(status.ARP, func(a, b debugARPEntry) int { return strings.Compare(a.IP, b.IP) })
	slices.Sort(status.UDPListeners)
	return status
}
