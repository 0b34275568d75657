/*
Core implements the order pipeline.

# Module
  - event log: append-only order history, the single source of truth
  - idempotency index: collapses client retries to one order
  - risk engine: pre-trade checks with provisional capacity reservation
  - router: adapter selection and load accounting
  - reconciliation: ties broker reports back to the ledger

# Source
 1. submissions and cancels from the HTTP API
 2. execution reports and acks from broker adapters
 3. replay from the event store on startup

# Produce
  - appended ledger events, fanned out to metrics and the Kafka mirror

# Sharded
  - per-order striped locks around decide-and-append
*/
package core
