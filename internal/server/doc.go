// Package server implements the relay's HTTP ingress API and its websocket
// push channel.
//
// The Hub owns the subscription registry: which connection listens to which
// conversation. Handlers write through the chat service, which publishes
// every stored change to the Hub after the write has landed.
package server
