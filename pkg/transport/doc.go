// Package transport implements device.Transport on top of an MQTT broker.
//
// Each session owns a topic subtree below the configured prefix:
//
//	<prefix>/<session>/attributes          shared attribute updates
//	<prefix>/<session>/rpc/request/<id>    RPC requests, id per device
//
// Gateways bridging the device protocols subscribe to the subtree of the
// sessions they hold. Deliveries use QoS 0 unless configured otherwise, so
// Deliver returns as soon as the client accepted the publish.
package transport
