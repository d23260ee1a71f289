// Package app composes the gateway: it wires storage, the chain client and
// the domain services together and manages their lifecycle.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Wiring, lifecycle, HTTP router assembly
//	├── domain/             # Domain models (pure data structures)
//	│   ├── service/        # Registered services, api keys, callbacks
//	│   ├── token/          # Token transactions and whitelist entries
//	│   ├── transaction/    # Native transactions and events
//	│   └── wallet/         # Hosted addresses
//	├── storage/            # Store interfaces plus memory and postgres backends
//	├── services/           # Business logic
//	│   ├── wallets/        # Address hosting, key custody
//	│   ├── transactions/   # Native transfer lifecycle
//	│   ├── tokens/         # Token transfers against the whitelist
//	│   ├── messages/       # Unsigned messages awaiting external signatures
//	│   ├── observer/       # Chain subscription fan-in, expiry janitor
//	│   └── callbacks/      # Signed webhook delivery
//	├── httpapi/            # REST surface and OpenAPI document
//	├── system/             # Service lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// Dependencies point downwards only: cmd/gateway loads a Config and hands it
// to app.New; services depend on storage interfaces, never on each other's
// internals, and reach the chain through internal/chain.
package app
