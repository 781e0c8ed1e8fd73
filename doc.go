// Package mintgate connects IoT devices to dashboard clients across several
// gateway replicas that share one NATS cluster.
//
// Devices speak newline-delimited JSON over raw TCP. Dashboards speak JSON
// over WebSocket. A device and the clients watching it may land on different
// replicas; the gateway keeps routing correct by recording ownership in a
// shared JetStream KV directory and forwarding packets between replicas over
// per-node NATS subjects.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Connection Gateway          │  TCP devices, WebSocket
//	│   (gateway: listener, ws, http)     │  clients, /health, /metrics
//	└─────────────────────────────────────┘
//	           ↓ decoded packets
//	┌─────────────────────────────────────┐
//	│          Routing Engine             │  Local vs. remote delivery
//	│             (router)                │  Device lifecycle cleanup
//	└─────────────────────────────────────┘
//	     ↓ local state          ↓ shared state and forwarding
//	┌──────────────┐   ┌─────────────────────────────┐
//	│   registry   │   │ directory (JetStream KV)    │
//	│ serial→conn  │   │ bus (mintgate.node.<node>)  │
//	└──────────────┘   └─────────────────────────────┘
//	           ↑ liveness
//	┌─────────────────────────────────────┐
//	│       Presence (sweeper, beat)      │  Idle devices, node TTL keys
//	└─────────────────────────────────────┘
//
// # Packet Flow
//
// A sensor packet arriving on node A:
//
//	device ──tcp──> gateway(A) ──> router(A) ──> local subscribers
//	                                   │
//	                                   └─ directory: sub.<serial>.>
//	                                        │
//	                                        └─ bus ──> mintgate.node.B ──> router(B) ──> clients on B
//
// A client command travels the other way: router(B) looks up
// socket.<serial> in the directory and publishes a toDevice envelope to the
// owner's subject.
//
// # Ownership
//
// A serial has at most one live device connection in the cluster. A node
// refuses a connect when the directory names another owner whose heartbeat
// key is still present. Nodes that stop heartbeating lose their entries to
// the next prune pass on any surviving node.
//
// # Packages
//
//   - registry: in-process connection maps guarded by one mutex
//   - directory: shared records over JetStream KV, plus an in-memory twin
//   - bus: JSON envelopes on one NATS subject per node
//   - router: routing decisions and the single device cleanup path
//   - presence: device idle sweep and node heartbeat
//   - packet: boundary decoding and schema validation
//   - gateway: TCP, WebSocket and HTTP surfaces
//   - natsclient, metric, health, config, errors: shared infrastructure
//
// The binary lives in cmd/mintgate.
package mintgate
