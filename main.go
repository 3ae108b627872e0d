// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-docsync - Offline-First SQLite ⇄ Document Store Synchronization")
	fmt.Println("=====================================================================")
	fmt.Println()
	fmt.Println("go-docsync keeps relational SQLite tables in step with a per-user cloud document store:")
	fmt.Println("trigger-based change tracking, global ids for foreign keys, batched idempotent uploads,")
	fmt.Println("watermarked downloads, tombstone purging and a coordinated sync session state machine.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Document Store Server (examples/nethttp_server/)")
	fmt.Println("   REST document store on Go's net/http package, Postgres or in-memory backend")
	fmt.Println("   Features: JWT auth, atomic batch commits, server timestamps, tombstones")
	fmt.Println("   Run: cd examples/nethttp_server && DATABASE_URL=memory go run .")
	fmt.Println()

	fmt.Println("2. 🧾 Billing Client (examples/billing_client/)")
	fmt.Println("   Point-of-sale app with products, customers, bills and bill items in SQLite")
	fmt.Println("   Features: restore on fresh install, periodic sync, voided bills propagate")
	fmt.Println("   Run: cd examples/billing_client && go run . -seed")
	fmt.Println()
}
