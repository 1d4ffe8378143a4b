// Package core defines the shared data model of AgentDock: the event
// envelope exchanged on the bus and over the wire, the persisted message
// union, the container/image/agent/session records and the error taxonomy.
//
// Everything here is storage- and transport-agnostic; no other package may
// be imported from core.
package core
