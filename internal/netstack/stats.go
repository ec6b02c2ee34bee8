package netstack

import (
	"fmt"
	"sync/atomic"
)

// Stat names one of the stack's counters.
type Stat int

const (
	StatRxFrames Stat = iota
	StatRxFiltered
	StatRxQueueFull
	StatRxMalformed
	StatTxFrames
	StatTxDriverBusy
	StatTxNoBuffer
	StatBufferMisuse
	StatClockRegressions

	StatARPRx
	StatARPRequestsTx
	StatARPRepliesTx
	StatARPConflicts
	StatARPEvictions

	StatIPRx
	StatIPBadVersion
	StatIPBadChecksum
	StatIPBadLength
	StatIPNotForUs
	StatIPUnknownProtocol
	StatIPFragmentsRx
	StatIPReassembled
	StatIPReassemblyDrops
	StatIPReassemblyTimeouts
	StatIPFragmentsTx

	StatICMPEchoRx
	StatICMPEchoTx
	StatICMPBadChecksum

	StatUDPRx
	StatUDPTx
	StatUDPNoListener
	StatUDPBadChecksum
	StatUDPSocketBusy

	StatTCPRx
	StatTCPTx
	StatTCPBadChecksum
	StatTCPRetransmits
	StatTCPResetsRx
	StatTCPResetsTx
	StatTCPAborts
	StatTCPOutOfOrder
	StatTCPRejectedBusy
	StatTCPAccepted
	StatTCPConnected

	StatDHCPDiscovers
	StatDHCPOffers
	StatDHCPRequests
	StatDHCPAcks
	StatDHCPNaks
	StatDHCPLeaseExpired

	numStats
)

var statNames = [numStats]string{
	StatRxFrames:         "rx_frames",
	StatRxFiltered:       "rx_filtered",
	StatRxQueueFull:      "rx_queue_full",
	StatRxMalformed:      "rx_malformed",
	StatTxFrames:         "tx_frames",
	StatTxDriverBusy:     "tx_driver_busy",
	StatTxNoBuffer:       "tx_no_buffer",
	StatBufferMisuse:     "buffer_misuse",
	StatClockRegressions: "clock_regressions",

	StatARPRx:         "arp_rx",
	StatARPRequestsTx: "arp_requests_tx",
	StatARPRepliesTx:  "arp_replies_tx",
	StatARPConflicts:  "arp_conflicts",
	StatARPEvictions:  "arp_evictions",

	StatIPRx:                 "ip_rx",
	StatIPBadVersion:         "ip_bad_version",
	StatIPBadChecksum:        "ip_bad_checksum",
	StatIPBadLength:          "ip_bad_length",
	StatIPNotForUs:           "ip_not_for_us",
	StatIPUnknownProtocol:    "ip_unknown_protocol",
	StatIPFragmentsRx:        "ip_fragments_rx",
	StatIPReassembled:        "ip_reassembled",
	StatIPReassemblyDrops:    "ip_reassembly_drops",
	StatIPReassemblyTimeouts: "ip_reassembly_timeouts",
	StatIPFragmentsTx:        "ip_fragments_tx",

	StatICMPEchoRx:      "icmp_echo_rx",
	StatICMPEchoTx:      "icmp_echo_tx",
	StatICMPBadChecksum: "icmp_bad_checksum",

	StatUDPRx:          "udp_rx",
	StatUDPTx:          "udp_tx",
	StatUDPNoListener:  "udp_no_listener",
	StatUDPBadChecksum: "udp_bad_checksum",
	StatUDPSocketBusy:  "udp_socket_busy",

	StatTCPRx:           "tcp_rx",
	StatTCPTx:           "tcp_tx",
	StatTCPBadChecksum:  "tcp_bad_checksum",
	StatTCPRetransmits:  "tcp_retransmits",
	StatTCPResetsRx:     "tcp_resets_rx",
	StatTCPResetsTx:     "tcp_resets_tx",
	StatTCPAborts:       "tcp_aborts",
	StatTCPOutOfOrder:   "tcp_out_of_order",
	StatTCPRejectedBusy: "tcp_rejected_busy",
	StatTCPAccepted:     "tcp_accepted",
	StatTCPConnected:    "tcp_connected",

	StatDHCPDiscovers:    "dhcp_discovers",
	StatDHCPOffers:       "dhcp_offers",
	StatDHCPRequests:     "dhcp_requests",
	StatDHCPAcks:         "dhcp_acks",
	StatDHCPNaks:         "dhcp_naks",
	StatDHCPLeaseExpired: "dhcp_lease_expired",
}

func (s Stat) String() string {
	if s >= 0 && s < numStats {
		return statNames[s]
	}
	return fmt.Sprintf("Stat(%d)", int(s))
}

type counters [numStats]atomic.Uint64

func (c *counters) inc(s Stat) { c[s].Add(1) }

func (c *counters) add(s Stat, n uint64) { c[s].Add(n) }

// Stat returns the current value of one counter.
func (ns *Stack) Stat(s Stat) uint64 {
	if s < 0 || s >= numStats {
		return 0
	}
	if s == StatBufferMisuse {
		return ns.pool.misuseCount()
	}
	return ns.stats[s].Load()
}

// Stats returns a snapshot of every counter keyed by name.
func (ns *Stack) Stats() map[string]uint64 {
	out := make(map[string]uint64, numStats)
	for i := Stat(0); i < numStats; i++ {
		out[i.String()] = ns.Stat(i)
	}
	return out
}
