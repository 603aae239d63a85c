// Package fleet provides message-bus machinery for coordinating a
// fleet of vending machines over MQTT.
//
// The connection and routing code is in package 'bus', the per-machine
// device controllers are in 'machine', and the fleetd daemon is in `cmd`.
package fleet
